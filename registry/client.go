package registry

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-zoox/fetch"
	"github.com/go-zoox/logger"
	"github.com/go-zoox/random"
	"github.com/gorilla/websocket"

	"github.com/go-zoox/onion/protocol/authenticate"
)

// DefaultReconnectInterval is the pause between watch attempts.
const DefaultReconnectInterval = 3 * time.Second

type ClientConfig struct {
	// Server is the registry base url, e.g. http://127.0.0.1:9090.
	Server            string
	Secret            string
	ReconnectInterval time.Duration
}

// Client talks to a remote registry.
type Client struct {
	Server            string
	ReconnectInterval time.Duration
	//
	signer *Signer
}

func NewClient(cfg *ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid registry server(%s), expect http(s)://host:port", cfg.Server)
	}

	ReconnectInterval := DefaultReconnectInterval
	if cfg.ReconnectInterval != 0 {
		ReconnectInterval = cfg.ReconnectInterval
	}

	return &Client{
		Server:            strings.TrimSuffix(cfg.Server, "/"),
		ReconnectInterval: ReconnectInterval,
		signer:            NewSigner(cfg.Secret),
	}, nil
}

func (c *Client) Register(node Node) error {
	timestamp := timestamp()
	signature, err := c.signer.Sign(node.signingParts(timestamp)...)
	if err != nil {
		return fmt.Errorf("failed to create signature: %v", err)
	}

	return c.post("/register", &RegisterRequest{
		Node:      node,
		Timestamp: timestamp,
		Signature: signature,
	})
}

func (c *Client) Unregister(node Node) error {
	timestamp := timestamp()
	signature, err := c.signer.Sign(node.Address, strconv.Itoa(node.Port), timestamp)
	if err != nil {
		return fmt.Errorf("failed to create signature: %v", err)
	}

	return c.post("/unregister", &UnregisterRequest{
		Address:   node.Address,
		Port:      node.Port,
		Timestamp: timestamp,
		Signature: signature,
	})
}

func (c *Client) post(path string, body any) error {
	response, err := fetch.Post(c.Server+path, &fetch.Config{
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("failed to request %s: %v", path, err)
	}

	if response.Status != 200 {
		return fmt.Errorf("failed to request %s (status: %d): %s", path, response.Status, response.String())
	}

	return nil
}

// Watch mirrors the remote registry into reg until ctx is done, reconnecting
// after every failure.
func (c *Client) Watch(ctx context.Context, reg *Registry) error {
	for {
		err := c.watch(ctx, reg)
		if ctx.Err() != nil {
			return nil
		}

		logger.Warnf("[registry][watch] connection lost: %v, reconnect in %s", err, c.ReconnectInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.ReconnectInterval):
		}
	}
}

func (c *Client) watch(ctx context.Context, reg *Registry) error {
	u, _ := url.Parse(c.Server)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/watch"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := c.authenticate(conn); err != nil {
		return fmt.Errorf("failed to authenticate: %v", err)
	}

	logger.Infof("[registry][watch] connected to %s", u.String())
	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		if mt != websocket.BinaryMessage {
			continue
		}

		nodes, err := DecodeSnapshot(message)
		if err != nil {
			logger.Warnf("[registry][watch] %v", err)
			continue
		}

		if err := reg.Replace(nodes); err != nil {
			logger.Warnf("[registry][watch] ignore snapshot: %v", err)
		}
	}
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	Timestamp := timestamp()
	Nonce := random.String(authenticate.LENGTH_NONCE)
	Signature, err := c.signer.Sign(Timestamp, Nonce)
	if err != nil {
		return fmt.Errorf("failed to create signature: %v", err)
	}

	packet, err := authenticate.Encode(&authenticate.Authenticate{
		Timestamp: Timestamp,
		Nonce:     Nonce,
		Signature: Signature,
	})
	if err != nil {
		return err
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
		return err
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	response, err := authenticate.DecodeResponse(message)
	if err != nil {
		return err
	}

	if response.Status != authenticate.STATUS_OK {
		return fmt.Errorf("status %d: %s", response.Status, response.Message)
	}

	return nil
}

func timestamp() string {
	return fmt.Sprintf("%d", time.Now().UnixMilli())
}
