package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

const payloadVersion = 1

// Payload is the closed set of per-action detail shapes. Each action maps to
// exactly one payload kind; see payloadKindFor.
type Payload interface {
	payloadKind() string
}

// Failure reasons. They are visible to operators only; users always see a
// generic message.
const (
	ReasonMalformedCode    = "malformed_code"
	ReasonInvalidCode      = "invalid_code"
	ReasonStateConflict    = "state_conflict"
	ReasonDecryptionFailed = "decryption_failed"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonSelfRevocation   = "self_revocation"
	ReasonInternalError    = "internal_error"
	ReasonAlreadyRevoked   = "already_revoked"
	ReasonNotRevoked       = "not_revoked"
	ReasonBadPassword      = "bad_password"
	ReasonLocked           = "locked"
)

const (
	kindSetup        = "setup"
	kindVerification = "verification"
	kindRevocation   = "revocation"
	kindLogin        = "login"
)

type SetupPayload struct {
	BackupCodes int    `json:"backup_codes,omitempty"`
	Restarted   bool   `json:"restarted,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (SetupPayload) payloadKind() string { return kindSetup }

type VerificationPayload struct {
	Method         string `json:"method,omitempty"`
	RemainingCodes *int   `json:"remaining_codes,omitempty"`
	RememberDevice bool   `json:"remember_device,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (VerificationPayload) payloadKind() string { return kindVerification }

type RevocationPayload struct {
	Reason    string     `json:"reason,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Changed   bool       `json:"changed"`
	Failure   string     `json:"failure,omitempty"`
}

func (RevocationPayload) payloadKind() string { return kindRevocation }

type LoginPayload struct {
	Username      string `json:"username,omitempty"`
	SecondFactor  bool   `json:"second_factor,omitempty"`
	TrustedDevice bool   `json:"trusted_device,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (LoginPayload) payloadKind() string { return kindLogin }

func payloadKindFor(action Action) string {
	switch action {
	case ActionSetupStarted, ActionBackupCodesRegenerated:
		return kindSetup
	case ActionSetupConfirmed, ActionLoginVerified, ActionDisabled:
		return kindVerification
	case ActionSessionsRevoked, ActionSessionsRestored:
		return kindRevocation
	case ActionPasswordLogin:
		return kindLogin
	default:
		return ""
	}
}

type envelope struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// EncodePayload serialises p for storage after checking it is the kind the
// action carries.
func EncodePayload(action Action, p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	if want := payloadKindFor(action); want != p.payloadKind() {
		return nil, fmt.Errorf("payload kind %q does not match action %s", p.payloadKind(), action)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.payloadKind(), err)
	}

	return json.Marshal(envelope{Version: payloadVersion, Kind: p.payloadKind(), Data: data})
}

func DecodePayload(action Action, raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	if env.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported payload version %d", env.Version)
	}
	if want := payloadKindFor(action); env.Kind != want {
		return nil, fmt.Errorf("payload kind %q does not match action %s", env.Kind, action)
	}

	switch env.Kind {
	case kindSetup:
		return decodeAs[SetupPayload](env)
	case kindVerification:
		return decodeAs[VerificationPayload](env)
	case kindRevocation:
		return decodeAs[RevocationPayload](env)
	default:
		return decodeAs[LoginPayload](env)
	}
}

func decodeAs[T Payload](env envelope) (Payload, error) {
	var p T
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return p, nil
}
