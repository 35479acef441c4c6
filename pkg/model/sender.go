package model

// SenderKind identifies which branch of a sender identity set was used.
type SenderKind string

const (
	SenderUser        SenderKind = "user"
	SenderApplication SenderKind = "application"
	SenderDevice      SenderKind = "device"
)

// SenderPriority is the order in which identity set branches are resolved.
var SenderPriority = []SenderKind{SenderUser, SenderApplication, SenderDevice}

// Identity is one branch of an identity set. Only the identity type field
// matching the branch is populated by the API.
type Identity struct {
	ID                      string `json:"id"`
	DisplayName             string `json:"displayName"`
	TenantID                string `json:"tenantId"`
	UserIdentityType        string `json:"userIdentityType"`
	ApplicationIdentityType string `json:"applicationIdentityType"`
	DeviceIdentityType      string `json:"deviceIdentityType"`
}

func (i *Identity) identityType() string {
	switch {
	case i.UserIdentityType != "":
		return i.UserIdentityType
	case i.ApplicationIdentityType != "":
		return i.ApplicationIdentityType
	default:
		return i.DeviceIdentityType
	}
}

// IdentitySet is the polymorphic "from" field of a message.
type IdentitySet struct {
	User        *Identity `json:"user"`
	Application *Identity `json:"application"`
	Device      *Identity `json:"device"`
}

func (s *IdentitySet) branch(kind SenderKind) *Identity {
	switch kind {
	case SenderUser:
		return s.User
	case SenderApplication:
		return s.Application
	case SenderDevice:
		return s.Device
	}
	return nil
}

// Sender is the flattened form of an IdentitySet.
type Sender struct {
	Kind         SenderKind `json:"kind,omitempty"`
	ID           string     `json:"id,omitempty"`
	DisplayName  string     `json:"displayName,omitempty"`
	IdentityType string     `json:"identityType,omitempty"`
	TenantID     string     `json:"tenantId,omitempty"`
}

// Resolve flattens the identity set using SenderPriority. A nil set or a set
// without any branch resolves to the zero Sender (system messages).
func (s *IdentitySet) Resolve() Sender {
	if s == nil {
		return Sender{}
	}
	for _, kind := range SenderPriority {
		id := s.branch(kind)
		if id == nil {
			continue
		}
		return Sender{
			Kind:         kind,
			ID:           id.ID,
			DisplayName:  id.DisplayName,
			IdentityType: id.identityType(),
			TenantID:     id.TenantID,
		}
	}
	return Sender{}
}
