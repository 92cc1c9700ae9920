package communication

import (
	"fmt"
	"strings"

	"replhub/clock"
	"replhub/state"
)

// ProtocolVersion is the only replication protocol version spoken by this build
const ProtocolVersion = 4

const (
	OpAdd      Op = "add"
	OpModify   Op = "modify"
	OpModifyDN Op = "modify_dn"
	OpDelete   Op = "delete"

	OpSessionStart Op = "session_start"
	OpHubHandshake Op = "hub_handshake"
	OpStartSession Op = "start_session"
	OpTopology     Op = "topology"
	OpWindow       Op = "window"
	OpWindowProbe  Op = "window_probe"
	OpAck          Op = "ack"
	OpError        Op = "error"
	OpChangeStatus Op = "change_status"
	OpStop         Op = "stop"

	StatusNormal   Status = "normal"
	StatusDegraded Status = "degraded"

	ModAdd       ModType = "add"
	ModDelete    ModType = "delete"
	ModReplace   ModType = "replace"
	ModIncrement ModType = "increment"
)

type Op string
type Status string
type ModType string

// Message is implemented only by the message types of this package
type Message interface {
	Op() Op
	String() string
	isMessage()
}

// Update is a replicated change: add, modify, modify dn or delete
type Update interface {
	Message
	ChangeID() clock.ChangeID
	DN() string
	EntryUUID() string
	IsAssured() bool
}

// UpdateHeader is shared by every update message
type UpdateHeader struct {
	ID       clock.ChangeID
	TargetDN string
	UUID     string
	Assured  bool `json:",omitempty"`
}

func (h UpdateHeader) ChangeID() clock.ChangeID { return h.ID }
func (h UpdateHeader) DN() string               { return h.TargetDN }
func (h UpdateHeader) EntryUUID() string        { return h.UUID }
func (h UpdateHeader) IsAssured() bool          { return h.Assured }

func (h UpdateHeader) render(kind string, extra ...string) string {
	parts := []string{kind, "id=" + h.ID.String(), "dn=" + h.TargetDN, "uuid=" + h.UUID}
	if h.Assured {
		parts = append(parts, "assured")
	}
	return strings.Join(append(parts, extra...), " ")
}

type Attribute struct {
	Name   string
	Values []string
}

func (a Attribute) String() string {
	return fmt.Sprintf("%s:%q", a.Name, a.Values)
}

type Modification struct {
	Type      ModType
	Attribute Attribute
}

type AddMsg struct {
	UpdateHeader
	ParentUUID string
	Attributes []Attribute
}

func (*AddMsg) isMessage() {}
func (*AddMsg) Op() Op     { return OpAdd }

func (m *AddMsg) String() string {
	attrs := make([]string, 0, len(m.Attributes))
	for _, a := range m.Attributes {
		attrs = append(attrs, a.String())
	}
	return m.render("AddMsg", "parent="+m.ParentUUID, "attrs=["+strings.Join(attrs, " ")+"]")
}

type ModifyMsg struct {
	UpdateHeader
	Mods []Modification
}

func (*ModifyMsg) isMessage() {}
func (*ModifyMsg) Op() Op     { return OpModify }

func (m *ModifyMsg) String() string {
	mods := make([]string, 0, len(m.Mods))
	for _, mod := range m.Mods {
		mods = append(mods, string(mod.Type)+" "+mod.Attribute.String())
	}
	return m.render("ModifyMsg", "mods=["+strings.Join(mods, ", ")+"]")
}

type ModifyDNMsg struct {
	UpdateHeader
	NewRDN          string
	DeleteOldRDN    bool
	NewSuperior     string `json:",omitempty"`
	NewSuperiorUUID string `json:",omitempty"`
}

func (*ModifyDNMsg) isMessage() {}
func (*ModifyDNMsg) Op() Op     { return OpModifyDN }

func (m *ModifyDNMsg) String() string {
	return m.render("ModifyDNMsg",
		"newrdn="+m.NewRDN,
		fmt.Sprintf("deleteoldrdn=%t", m.DeleteOldRDN),
		"newsuperior="+m.NewSuperior,
		"newsuperioruuid="+m.NewSuperiorUUID)
}

type DeleteMsg struct {
	UpdateHeader
	Subtree bool `json:",omitempty"`
}

func (*DeleteMsg) isMessage() {}
func (*DeleteMsg) Op() Op     { return OpDelete }

func (m *DeleteMsg) String() string {
	return m.render("DeleteMsg", fmt.Sprintf("subtree=%t", m.Subtree))
}

// SessionStartMsg opens a session; sent by a replica agent or a dialing hub
type SessionStartMsg struct {
	ProtocolVersion int
	Domain          string
	ReplicaID       clock.ReplicaID
	IsHub           bool
	ServerURL       string
	WindowSize      int
	State           *state.Vector
	SSLEncryption   bool
	GroupID         uint8
	GenerationID    string `json:",omitempty"` // empty accepts the hub's
}

func (*SessionStartMsg) isMessage() {}
func (*SessionStartMsg) Op() Op     { return OpSessionStart }

func (m *SessionStartMsg) String() string {
	return fmt.Sprintf("SessionStartMsg version=%d domain=%s replica=%d hub=%t url=%s window=%d state=%s ssl=%t group=%d generation=%s",
		m.ProtocolVersion, m.Domain, m.ReplicaID, m.IsHub, m.ServerURL, m.WindowSize, m.State, m.SSLEncryption, m.GroupID, m.GenerationID)
}

// HubHandshakeMsg is the hub's reply to SessionStartMsg
type HubHandshakeMsg struct {
	ProtocolVersion         int
	HubID                   clock.ReplicaID
	ServerURL               string
	Domain                  string
	WindowSize              int
	GroupID                 uint8
	TopologyID              string
	State                   *state.Vector
	DegradedStatusThreshold int
	GenerationID            string
}

func (*HubHandshakeMsg) isMessage() {}
func (*HubHandshakeMsg) Op() Op     { return OpHubHandshake }

func (m *HubHandshakeMsg) String() string {
	return fmt.Sprintf("HubHandshakeMsg version=%d hub=%d url=%s domain=%s window=%d group=%d topology=%s state=%s degraded-threshold=%d generation=%s",
		m.ProtocolVersion, m.HubID, m.ServerURL, m.Domain, m.WindowSize, m.GroupID, m.TopologyID, m.State, m.DegradedStatusThreshold, m.GenerationID)
}

// StartSessionMsg confirms the session from the initiating side. A replica
// without AssuredSupported is never waited for by assured updates.
type StartSessionMsg struct {
	Status           Status
	AssuredSupported bool
	ReferralURLs     []string `json:",omitempty"`
}

func (*StartSessionMsg) isMessage() {}
func (*StartSessionMsg) Op() Op     { return OpStartSession }

func (m *StartSessionMsg) String() string {
	return fmt.Sprintf("StartSessionMsg status=%s assured=%t referrals=%v", m.Status, m.AssuredSupported, m.ReferralURLs)
}

type HubInfo struct {
	ID      clock.ReplicaID
	URL     string
	GroupID uint8
}

type ReplicaInfo struct {
	ID      clock.ReplicaID
	HubID   clock.ReplicaID
	URL     string `json:",omitempty"`
	GroupID uint8
	Status  Status
}

// TopologyMsg advertises the hubs and replicas known for a domain.
// A later TopologyMsg from the same sender replaces an earlier one.
type TopologyMsg struct {
	Domain     string
	TopologyID string
	Hubs       []HubInfo
	Replicas   []ReplicaInfo
}

func (*TopologyMsg) isMessage() {}
func (*TopologyMsg) Op() Op     { return OpTopology }

func (m *TopologyMsg) String() string {
	return fmt.Sprintf("TopologyMsg domain=%s topology=%s hubs=%v replicas=%v", m.Domain, m.TopologyID, m.Hubs, m.Replicas)
}

// HubURLs lists the urls of the advertised hubs
func (m *TopologyMsg) HubURLs() []string {
	urls := make([]string, 0, len(m.Hubs))
	for _, h := range m.Hubs {
		if h.URL != "" {
			urls = append(urls, h.URL)
		}
	}
	return urls
}

// WindowMsg grants the receiver of the message Credits more updates
type WindowMsg struct {
	Credits int
}

func (*WindowMsg) isMessage() {}
func (*WindowMsg) Op() Op     { return OpWindow }

func (m *WindowMsg) String() string {
	return fmt.Sprintf("WindowMsg credits=%d", m.Credits)
}

// WindowProbeMsg asks for the current send credits. The answer is a
// WindowProbeMsg with Reply set, and does not grant anything.
type WindowProbeMsg struct {
	Reply   bool `json:",omitempty"`
	Credits int  `json:",omitempty"`
}

func (*WindowProbeMsg) isMessage() {}
func (*WindowProbeMsg) Op() Op     { return OpWindowProbe }

func (m *WindowProbeMsg) String() string {
	return fmt.Sprintf("WindowProbeMsg reply=%t credits=%d", m.Reply, m.Credits)
}

// AckMsg acknowledges an assured update. From a replica, HasReplayError
// means it could not apply the update; to the origin, the flags sum up
// every replica waited for.
type AckMsg struct {
	ID             clock.ChangeID
	HasTimeout     bool              `json:",omitempty"`
	HasWrongStatus bool              `json:",omitempty"`
	HasReplayError bool              `json:",omitempty"`
	FailedReplicas []clock.ReplicaID `json:",omitempty"`
}

func (*AckMsg) isMessage() {}
func (*AckMsg) Op() Op     { return OpAck }

func (m *AckMsg) String() string {
	return fmt.Sprintf("AckMsg id=%s timeout=%t wrong-status=%t replay-error=%t failed=%v",
		m.ID, m.HasTimeout, m.HasWrongStatus, m.HasReplayError, m.FailedReplicas)
}

// ErrorMsg tells the peer why its session is refused or closed
type ErrorMsg struct {
	Sender       clock.ReplicaID
	Kind         ErrorKind `json:",omitempty"`
	Details      string
	CreationTime int64
}

func (*ErrorMsg) isMessage() {}
func (*ErrorMsg) Op() Op     { return OpError }

func (m *ErrorMsg) String() string {
	return fmt.Sprintf("ErrorMsg sender=%d kind=%d details=%q created=%d", m.Sender, m.Kind, m.Details, m.CreationTime)
}

type ChangeStatusMsg struct {
	Status Status
}

func (*ChangeStatusMsg) isMessage() {}
func (*ChangeStatusMsg) Op() Op     { return OpChangeStatus }

func (m *ChangeStatusMsg) String() string {
	return "ChangeStatusMsg status=" + string(m.Status)
}

type StopMsg struct{}

func (*StopMsg) isMessage()     {}
func (*StopMsg) Op() Op         { return OpStop }
func (*StopMsg) String() string { return "StopMsg" }

func newMessage(op Op) Message {
	switch op {
	case OpAdd:
		return &AddMsg{}
	case OpModify:
		return &ModifyMsg{}
	case OpModifyDN:
		return &ModifyDNMsg{}
	case OpDelete:
		return &DeleteMsg{}
	case OpSessionStart:
		return &SessionStartMsg{}
	case OpHubHandshake:
		return &HubHandshakeMsg{}
	case OpStartSession:
		return &StartSessionMsg{}
	case OpTopology:
		return &TopologyMsg{}
	case OpWindow:
		return &WindowMsg{}
	case OpWindowProbe:
		return &WindowProbeMsg{}
	case OpAck:
		return &AckMsg{}
	case OpError:
		return &ErrorMsg{}
	case OpChangeStatus:
		return &ChangeStatusMsg{}
	case OpStop:
		return &StopMsg{}
	}
	return nil
}
