package protocol

// Error codes carried in ERROR payloads.
const (
	CodeProtocolVersion = "PROTOCOL_VERSION_MISMATCH"
	CodeTeamNotFound    = "TEAM_NOT_FOUND"
	CodeTeamNameTaken   = "TEAM_NAME_TAKEN"
	CodeInvalidTeamName = "INVALID_TEAM_NAME"
	CodeNoTeam          = "NO_TEAM"
	CodeBetRejected     = "BET_REJECTED"
	CodeAnswerRejected  = "ANSWER_REJECTED"
	CodeBadRequest      = "BAD_REQUEST"

	// signalling switch
	CodePeerNotFound  = "PEER_NOT_FOUND"
	CodeHostNotFound  = "HOST_NOT_FOUND"
	CodeNotRegistered = "NOT_REGISTERED"
)

type Handshake struct {
	PersistentID    string `json:"persistentId"`
	DisplayName     string `json:"displayName"`
	ProtocolVersion int    `json:"protocolVersion"`
	CurrentTeamID   string `json:"currentTeamId,omitempty"`
}

type HandshakeResponse struct {
	SessionVersion string     `json:"sessionVersion"`
	PeerID         string     `json:"peerId"`
	TeamID         string     `json:"teamId,omitempty"`
	Teams          []TeamInfo `json:"teams"`
}

// Ping is sent by clients every probe interval and carries the sender's quality view.
type Ping struct {
	Seq        uint64  `json:"seq"`
	SentAt     int64   `json:"sentAt"`
	RTT        float64 `json:"rtt,omitempty"`
	Jitter     float64 `json:"jitter,omitempty"`
	PacketLoss float64 `json:"packetLoss,omitempty"`
}

type Pong struct {
	Seq    uint64 `json:"seq"`
	SentAt int64  `json:"sentAt"`
}

type Ack struct {
	ID string `json:"id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

type TeamInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Score       int    `json:"score"`
	MemberCount int    `json:"memberCount"`
}

type CreateTeam struct {
	Name string `json:"name"`
}

type JoinTeam struct {
	TeamID string `json:"teamId"`
}

type Reconnect struct {
	TeamID   string `json:"teamId,omitempty"`
	TeamName string `json:"teamName,omitempty"`
}

type TeamConfirmed struct {
	TeamID   string `json:"teamId"`
	TeamName string `json:"teamName"`
}

type TeamDeleted struct {
	TeamID string `json:"teamId"`
}

type TeamsSync struct {
	Teams []TeamInfo `json:"teams"`
}

type PlayerInfo struct {
	PersistentID string `json:"persistentId"`
	DisplayName  string `json:"displayName"`
	TeamID       string `json:"teamId,omitempty"`
	Status       string `json:"status"`
	HealthScore  int    `json:"healthScore"`
}

type CommandsSync struct {
	Players []PlayerInfo `json:"players"`
}

type Kick struct {
	Reason string `json:"reason,omitempty"`
}

// Buzz carries the client's local send time; arbitration uses host receive time.
type Buzz struct {
	ClientTime int64 `json:"clientTime"`
}

// BuzzerState is the broadcast mirror of the host timer. Durations are milliseconds.
type BuzzerState struct {
	Active            bool     `json:"active"`
	Phase             string   `json:"timerPhase"`
	QuestionID        string   `json:"questionId,omitempty"`
	ReadingRemaining  int64    `json:"readingRemaining"`
	ResponseRemaining int64    `json:"responseRemaining"`
	HandicapRemaining int64    `json:"handicapRemaining"`
	HandicapActive    bool     `json:"handicapActive"`
	HandicapTeamID    string   `json:"handicapTeamId,omitempty"`
	AnsweringTeamID   string   `json:"answeringTeamId,omitempty"`
	BuzzedTeamIDs     []string `json:"buzzedTeamIds,omitempty"`
	ClashTeamIDs      []string `json:"clashTeamIds,omitempty"`
}

type SuperBet struct {
	Amount int `json:"amount"`
}

type SuperAnswer struct {
	Text string `json:"text"`
}

type SuperBetInfo struct {
	TeamID    string `json:"teamId"`
	Amount    int    `json:"amount,omitempty"`
	Ready     bool   `json:"ready"`
	Submitted bool   `json:"submitted"`
}

type SuperAnswerInfo struct {
	TeamID    string `json:"teamId"`
	Text      string `json:"text,omitempty"`
	Revealed  bool   `json:"revealed"`
	Submitted bool   `json:"submitted"`
	Correct   *bool  `json:"correct,omitempty"`
}

// SuperGameState hides bet amounts and answer texts until showWinner.
type SuperGameState struct {
	Phase    string            `json:"phase"`
	Question string            `json:"question,omitempty"`
	Bets     []SuperBetInfo    `json:"bets,omitempty"`
	Answers  []SuperAnswerInfo `json:"answers,omitempty"`
}
