// ABOUTME: Conversation state threaded through every turn of the booking dialogue
// ABOUTME: Defines message roles, the stage enumeration, and field-ownership helpers

package state

import (
	"time"
)

// Role identifies who produced a message in the conversation history.
type Role string

const (
	RoleUser             Role = "user"
	RoleAssistant        Role = "assistant"
	RoleActionInvocation Role = "action_invocation"
	RoleActionResult     Role = "action_result"
)

// Stage is one of the fixed dialogue phases. The zero value means the
// conversation has not been routed yet.
type Stage string

const (
	StageIntake    Stage = "INTAKE"
	StageNavigator Stage = "NAVIGATOR"
	StageOperator  Stage = "OPERATOR"
	StageConfirm   Stage = "CONFIRM"
	StageDone      Stage = "DONE"
)

// Valid reports whether s is a member of the stage enumeration.
func (s Stage) Valid() bool {
	switch s {
	case StageIntake, StageNavigator, StageOperator, StageConfirm, StageDone:
		return true
	}
	return false
}

// Intent is the classification tag set once by the INTAKE stage.
type Intent string

const (
	IntentRequestTaxi  Intent = "SOLICITAR_TAXI"
	IntentRequestCargo Intent = "SOLICITAR_TAXI_CARGA"
	IntentCancel       Intent = "CANCELAR"
	IntentComplaint    Intent = "QUEJA"
	IntentInquiry      Intent = "CONSULTA"
	IntentOther        Intent = "OTRO"
)

// PaymentMethod is the payment option captured by the OPERATOR stage.
type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "EFECTIVO"
	PaymentNequi     PaymentMethod = "NEQUI"
	PaymentDaviplata PaymentMethod = "DAVIPLATA"
	PaymentCardUnit  PaymentMethod = "DATAFONO"
)

// Message is a single entry in the append-only conversation history.
// Action invocation entries carry ActionID/ActionName/ActionArgs; action
// result entries carry ActionID and the result payload in Text.
type Message struct {
	ID         string            `json:"id"`
	Role       Role              `json:"role"`
	Text       string            `json:"text,omitempty"`
	ActionID   string            `json:"action_id,omitempty"`
	ActionName string            `json:"action_name,omitempty"`
	ActionArgs map[string]string `json:"action_args,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ParsedAddress mirrors address.ParsedAddress without importing it, so the
// state package stays a leaf. The router copies parser output in here.
type ParsedAddress struct {
	WayType      string `json:"way_type,omitempty"`
	WayNumber    string `json:"way_number,omitempty"`
	LetterSuffix string `json:"letter_suffix,omitempty"`
	OrdinalSufix string `json:"ordinal_suffix,omitempty"`
	CrossNumber  string `json:"cross_number,omitempty"`
	CrossLetter  string `json:"cross_letter,omitempty"`
	HouseNumber  string `json:"house_number,omitempty"`
	HouseLetter  string `json:"house_letter,omitempty"`
	PlateNumber  string `json:"plate_number,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	City         string `json:"city,omitempty"`
	References   string `json:"references,omitempty"`
}

// ConversationState is the mutable record for one conversation. It is owned
// exclusively by the router for the duration of a turn and persisted between
// turns via the checkpoint store.
type ConversationState struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id,omitempty"`

	Messages    []Message `json:"messages"`
	ActiveStage Stage     `json:"active_stage,omitempty"`

	// INTAKE-owned.
	Intent Intent `json:"intent,omitempty"`

	// Customer profile, consulted at most once per conversation.
	CustomerName    string `json:"customer_name,omitempty"`
	PreviousAddress string `json:"previous_address,omitempty"`
	CustomerChecked bool   `json:"customer_checked,omitempty"`

	// NAVIGATOR-owned.
	ParsedAddress *ParsedAddress `json:"parsed_address,omitempty"`
	ValidatedZone string         `json:"validated_zone,omitempty"`

	// OPERATOR-owned.
	PaymentMethod       PaymentMethod `json:"payment_method,omitempty"`
	VehicleRequirements []string      `json:"vehicle_requirements,omitempty"`
	DriverNote          string        `json:"driver_note,omitempty"`

	// Geocoding result, internal only, never surfaced to the user.
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	GeocodeChecked bool     `json:"geocode_checked,omitempty"`

	// CONFIRM-owned terminal fields.
	TransferToHuman bool   `json:"transfer_to_human,omitempty"`
	TransferReason  string `json:"transfer_reason,omitempty"`
	DispatchID      string `json:"dispatch_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty conversation state for the given identifiers.
func New(id, customerID string) *ConversationState {
	now := time.Now()
	return &ConversationState{
		ID:         id,
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Append adds a message to the history, preserving insertion order.
func (s *ConversationState) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// Terminal reports whether the conversation reached a terminal outcome:
// either a dispatch was registered or the caller was handed to a human.
func (s *ConversationState) Terminal() bool {
	return s.DispatchID != "" || s.TransferToHuman
}

// HasCoordinates reports whether geocoding produced a usable location.
func (s *ConversationState) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil &&
		*s.Latitude != 0 && *s.Longitude != 0
}

// AddVehicleRequirement appends a requirement tag, skipping duplicates.
func (s *ConversationState) AddVehicleRequirement(tag string) {
	for _, have := range s.VehicleRequirements {
		if have == tag {
			return
		}
	}
	s.VehicleRequirements = append(s.VehicleRequirements, tag)
}

// ClearForNavigator applies the CONFIRM→NAVIGATOR backtrack: the address is
// being corrected, so everything captured downstream of NAVIGATOR is dropped,
// along with the coordinates derived from the old address.
func (s *ConversationState) ClearForNavigator() {
	s.PaymentMethod = ""
	s.VehicleRequirements = nil
	s.DriverNote = ""
	s.Latitude = nil
	s.Longitude = nil
	s.GeocodeChecked = false
	s.clearTerminal()
}

// ClearForOperator applies the CONFIRM→OPERATOR backtrack: payment or
// logistics details are being corrected. Address and zone stay untouched.
func (s *ConversationState) ClearForOperator() {
	s.DriverNote = ""
	s.clearTerminal()
}

func (s *ConversationState) clearTerminal() {
	s.TransferToHuman = false
	s.TransferReason = ""
	s.DispatchID = ""
}

// Clone returns a deep copy. The router mutates a clone and commits it back
// only after the turn succeeds, so failures never leave partial state behind.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	for i, msg := range s.Messages {
		if msg.ActionArgs != nil {
			args := make(map[string]string, len(msg.ActionArgs))
			for k, v := range msg.ActionArgs {
				args[k] = v
			}
			cp.Messages[i].ActionArgs = args
		}
	}
	if s.VehicleRequirements != nil {
		cp.VehicleRequirements = append([]string(nil), s.VehicleRequirements...)
	}
	if s.ParsedAddress != nil {
		addr := *s.ParsedAddress
		cp.ParsedAddress = &addr
	}
	if s.Latitude != nil {
		lat := *s.Latitude
		cp.Latitude = &lat
	}
	if s.Longitude != nil {
		lng := *s.Longitude
		cp.Longitude = &lng
	}
	return &cp
}
