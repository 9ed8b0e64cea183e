// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package loopback

import (
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/manager"
)

// Node is a Participant together with its security manager.
type Node struct {
	*Participant

	Security *manager.Manager
}

// NewNode attaches a participant to the bus and brings up its security
// manager with the plugins factory builds from props.
func (b *Bus) NewNode(guid rtps.GUID, domainID uint32, cfg manager.Config, factory security.Factory, props rtps.PropertyPolicy) (*Node, error) {
	p := b.NewParticipant(guid, domainID)
	m := manager.New(cfg, p, p, p, factory, b.logBackend)

	adjusted, err := m.Init(props)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Adopt(adjusted)
	if err := m.CreateEntities(); err != nil {
		m.Destroy()
		p.Close()
		return nil, err
	}
	p.SetCodec(m)
	return &Node{Participant: p, Security: m}, nil
}

// Discover announces other to n, as participant discovery would.
func (n *Node) Discover(other *Node) error {
	return n.Security.DiscoveredParticipant(other.ProxyData(other.Security))
}

// Close tears down the security manager, then the participant.
func (n *Node) Close() {
	n.Security.Destroy()
	n.Participant.Close()
}
