package registry

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Node is a relay advertised in the registry. Two nodes with the same
// address and port are the same node.
type Node struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Key     uint8  `json:"key"`
}

// PublicNode is the view of a node served to anonymous readers.
type PublicNode struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (n *Node) ID() string {
	return ID(n.Address, n.Port)
}

// ID returns the identity of the node at address:port.
func ID(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func (n *Node) Validate() error {
	ip, err := netip.ParseAddr(n.Address)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("invalid node address(%s), expect ipv4", n.Address)
	}

	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("invalid node port(%d)", n.Port)
	}

	if n.Key == 0 {
		return fmt.Errorf("invalid node key(0), expect 1 to 255")
	}

	return nil
}

func (n *Node) Public() PublicNode {
	return PublicNode{
		Name:    n.Name,
		Address: n.Address,
		Port:    n.Port,
	}
}

func (n *Node) String() string {
	if n.Name == "" {
		return n.ID()
	}

	return fmt.Sprintf("%s(%s)", n.Name, n.ID())
}

func (n *Node) signingParts(timestamp string) []string {
	return []string{n.Name, n.Address, strconv.Itoa(n.Port), strconv.Itoa(int(n.Key)), timestamp}
}
