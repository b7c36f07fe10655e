package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-zoox/logger"
	"github.com/go-zoox/zoox"
	zws "github.com/go-zoox/zoox/components/application/websocket"
	zd "github.com/go-zoox/zoox/defaults"

	"github.com/go-zoox/onion/protocol/authenticate"
)

// MaxClockSkew bounds the age of a signed request.
const MaxClockSkew = 5 * time.Minute

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("request expired")
	ErrSecretRequired   = errors.New("watch requires a registry secret")
)

type RegisterRequest struct {
	Node      Node   `json:"node"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

type UnregisterRequest struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

type Server interface {
	Run() error
}

type ServerConfig struct {
	Host   string `config:"host"`
	Port   int64  `config:"port"`
	Secret string `config:"secret"`
	//
	Registry *Registry
	// Statistics returns the value served at GET /statistics.
	Statistics func() any
}

type server struct {
	Host string
	Port int64
	//
	Registry   *Registry
	Statistics func() any
	//
	signer *Signer
}

func NewServer(cfg *ServerConfig) Server {
	var Port int64 = 9090
	Registry := cfg.Registry
	Statistics := cfg.Statistics

	if cfg.Port != 0 {
		Port = cfg.Port
	}
	if Registry == nil {
		Registry = New()
	}
	if Statistics == nil {
		Statistics = func() any { return []any{} }
	}

	return &server{
		Host:       cfg.Host,
		Port:       Port,
		Registry:   Registry,
		Statistics: Statistics,
		signer:     NewSigner(cfg.Secret),
	}
}

func (s *server) Run() error {
	core := zd.Default()

	core.Post("/register", func(ctx *zoox.Context) {
		var request RegisterRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, zoox.H{"message": err.Error()})
			return
		}

		status, response := s.register(&request)
		ctx.JSON(status, response)
	})

	core.Post("/unregister", func(ctx *zoox.Context) {
		var request UnregisterRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, zoox.H{"message": err.Error()})
			return
		}

		status, response := s.unregister(&request)
		ctx.JSON(status, response)
	})

	core.Get("/nodes", func(ctx *zoox.Context) {
		ctx.JSON(http.StatusOK, s.publicNodes())
	})

	core.Get("/statistics", func(ctx *zoox.Context) {
		ctx.JSON(http.StatusOK, s.Statistics())
	})

	core.WebSocket("/watch", func(ctx *zoox.Context, client *zws.Client) {
		isAuthenticated := false
		var unsubscribe func()

		client.OnError = func(err error) {
			if e, ok := err.(*zws.CloseError); ok {
				ctx.Logger.Error("[registry][watch][client: %s][code: %d] %v", client.ID, e.Code, e)
			} else {
				ctx.Logger.Error("[registry][watch][client: %s][code: nocode] %v", client.ID, err)
			}
		}

		client.OnConnect = func() {
			ctx.Logger.Info("[registry][watch] connect client: %s", client.ID)
		}

		client.OnDisconnect = func() {
			ctx.Logger.Info("[registry][watch] disconnect client: %s", client.ID)
			if unsubscribe != nil {
				unsubscribe()
			}
		}

		client.OnBinaryMessage = func(raw []byte) {
			if isAuthenticated {
				ctx.Logger.Warn("[registry][watch][client: %s] ignore message after authentication", client.ID)
				return
			}

			status, err := s.authenticate(raw)
			response := &authenticate.AuthenticateResponse{Status: status}
			if err != nil {
				response.Message = err.Error()
				ctx.Logger.Error("[registry][watch][client: %s] failed to authenticate: %v", client.ID, err)
			}

			bytes, errx := authenticate.EncodeResponse(response)
			if errx != nil {
				ctx.Logger.Error("[registry][watch] failed to encode authenticate response: %v", errx)
				return
			}
			if errx := client.WriteBinary(bytes); errx != nil || err != nil {
				return
			}

			isAuthenticated = true
			push := func(nodes []Node) {
				snapshot, err := EncodeSnapshot(nodes)
				if err != nil {
					ctx.Logger.Error("[registry][watch] failed to encode snapshot: %v", err)
					return
				}

				if err := client.WriteBinary(snapshot); err != nil {
					ctx.Logger.Error("[registry][watch][client: %s] failed to push snapshot: %v", client.ID, err)
				}
			}

			unsubscribe = s.Registry.OnChange(push)
			push(s.Registry.Nodes())
		}
	})

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	if !s.signer.Enabled() {
		logger.Warnf("[registry] no secret configured: register/unregister accept unsigned requests, watch is disabled")
	}
	logger.Infof("[registry] listen at %s", addr)
	return core.Run(addr)
}

func (s *server) register(request *RegisterRequest) (int, zoox.H) {
	node := request.Node
	if err := s.verify(request.Signature, node.signingParts(request.Timestamp), request.Timestamp); err != nil {
		logger.Warnf("[registry][register] reject node %s: %v", node.String(), err)
		return http.StatusUnauthorized, zoox.H{"message": err.Error()}
	}

	if err := s.Registry.Register(node); err != nil {
		return http.StatusBadRequest, zoox.H{"message": err.Error()}
	}

	return http.StatusOK, zoox.H{"id": node.ID()}
}

func (s *server) unregister(request *UnregisterRequest) (int, zoox.H) {
	parts := []string{request.Address, strconv.Itoa(request.Port), request.Timestamp}
	if err := s.verify(request.Signature, parts, request.Timestamp); err != nil {
		logger.Warnf("[registry][unregister] reject node %s: %v", ID(request.Address, request.Port), err)
		return http.StatusUnauthorized, zoox.H{"message": err.Error()}
	}

	id := ID(request.Address, request.Port)
	if err := s.Registry.Unregister(id); err != nil {
		return http.StatusNotFound, zoox.H{"message": err.Error()}
	}

	return http.StatusOK, zoox.H{"id": id}
}

func (s *server) publicNodes() []PublicNode {
	nodes := s.Registry.Nodes()
	public := make([]PublicNode, 0, len(nodes))
	for _, node := range nodes {
		public = append(public, node.Public())
	}

	return public
}

// authenticate guards /watch, whose snapshots carry node keys, so it is
// refused outright when no secret is configured.
func (s *server) authenticate(raw []byte) (uint8, error) {
	if !s.signer.Enabled() {
		return authenticate.STATUS_INVALID_SIGNATURE, ErrSecretRequired
	}

	packet, err := authenticate.Decode(raw)
	if err != nil {
		return authenticate.STATUS_INVALID_PACKET, err
	}

	if err := s.verify(packet.Signature, []string{packet.Timestamp, packet.Nonce}, packet.Timestamp); err != nil {
		if errors.Is(err, ErrExpired) {
			return authenticate.STATUS_EXPIRED, err
		}
		return authenticate.STATUS_INVALID_SIGNATURE, err
	}

	return authenticate.STATUS_OK, nil
}

func (s *server) verify(signature string, parts []string, timestamp string) error {
	if !s.signer.Enabled() {
		return nil
	}

	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp(%s)", timestamp)
	}

	if skew := time.Since(time.UnixMilli(ms)); skew > MaxClockSkew || skew < -MaxClockSkew {
		return ErrExpired
	}

	if ok, err := s.signer.Verify(signature, parts...); err != nil {
		return err
	} else if !ok {
		return ErrInvalidSignature
	}

	return nil
}

// EncodeSnapshot serializes the node set pushed to watchers.
func EncodeSnapshot(nodes []Node) ([]byte, error) {
	if nodes == nil {
		nodes = []Node{}
	}

	return json.Marshal(nodes)
}

func DecodeSnapshot(raw []byte) ([]Node, error) {
	var nodes []Node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %v", err)
	}

	return nodes, nil
}
