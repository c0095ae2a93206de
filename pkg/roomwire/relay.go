package roomwire

import "time"

// TicketRequest is posted to {base}/rooms/{id}/tickets before dialing the relay.
type TicketRequest struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Mode        string `json:"mode"`
}

type TicketResponse struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expiresAt"`
}
