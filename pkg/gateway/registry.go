package gateway

import (
	"sort"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// ClientRegistry manages connected clients and the sessions each of them
// watches. Authenticated and LastActivity are only touched under its lock.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	subs    map[string]map[string]bool // client id -> session ids
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		subs:    make(map[string]map[string]bool),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove removes a client and its subscriptions.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	delete(r.subs, clientID)
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Authenticate marks a client as authenticated.
func (r *ClientRegistry) Authenticate(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[clientID]; ok {
		client.Authenticated = true
	}
}

// IsAuthenticated reports whether the client passed the challenge.
func (r *ClientRegistry) IsAuthenticated(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	return ok && client.Authenticated
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Subscribe registers interest of a client in a session's events.
func (r *ClientRegistry) Subscribe(clientID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return false
	}
	set, ok := r.subs[clientID]
	if !ok {
		set = make(map[string]bool)
		r.subs[clientID] = set
	}
	set[sessionID] = true
	return true
}

// Unsubscribe drops a client's interest in a session.
func (r *ClientRegistry) Unsubscribe(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subs[clientID]; ok {
		delete(set, sessionID)
	}
}

// ForgetSession drops every subscription to a deleted session.
func (r *ClientRegistry) ForgetSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, set := range r.subs {
		delete(set, sessionID)
	}
}

// Subscribers returns the authenticated clients watching a session.
func (r *ClientRegistry) Subscribers(sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var clients []*Client
	for clientID, set := range r.subs {
		if !set[sessionID] {
			continue
		}
		if client, ok := r.clients[clientID]; ok && client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))

	for _, client := range r.clients {
		subs := make([]string, 0, len(r.subs[client.ID]))
		for sessionID := range r.subs[client.ID] {
			subs = append(subs, sessionID)
		}
		sort.Strings(subs)

		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > idleAfter,
			Subscriptions: subs,
		})
	}

	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
