package domain

// Credentials are the opaque room join credentials handed out by the REST
// layer before any signaling starts.
type Credentials struct {
	URL        string      `json:"url"`
	Room       string      `json:"room"`
	Token      string      `json:"token"`
	ICEServers []ICEServer `json:"iceServers"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
