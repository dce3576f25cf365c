// ABOUTME: Per-turn orchestration: stage resolution, capability dispatch, action effects
// ABOUTME: Applies all mutation to a clone and persists only after the whole turn succeeds

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infinitum-ia/taxi322/internal/address"
	"github.com/infinitum-ia/taxi322/internal/capability"
	"github.com/infinitum-ia/taxi322/internal/checkpoint"
	"github.com/infinitum-ia/taxi322/internal/dispatch"
	"github.com/infinitum-ia/taxi322/internal/state"
)

// TransitionError reports a capability action outside the stage's closed set.
type TransitionError struct {
	From   state.Stage
	Action capability.Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %q is not allowed in stage %s", e.Action, e.From)
}

// CustomerDirectory looks up returning customers. Satisfied by *dispatch.Client.
type CustomerDirectory interface {
	CustomerProfile(ctx context.Context, customerID string) (*dispatch.Profile, error)
}

// Geocoder resolves a normalized address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, customerID, normalized string) (*dispatch.Coordinates, error)
}

// Dispatcher registers the service with the backend.
type Dispatcher interface {
	Register(ctx context.Context, reg dispatch.Registration) (string, error)
}

// Backends groups the three backend surfaces the router touches. Any of them
// may be nil, in which case the corresponding step is skipped or degrades.
type Backends struct {
	Customers  CustomerDirectory
	Geocoder   Geocoder
	Dispatcher Dispatcher
}

// Options tune turn processing. Zero values fall back to defaults.
type Options struct {
	CapabilityTimeout time.Duration
	ZoneThreshold     float64
	Placeholder       *regexp.Regexp
	Fallbacks         map[capability.Action]string
}

// placeholderRe matches "text" that is only dots, dashes, or ellipses. Some
// capabilities emit it instead of an empty string when they have nothing to say.
var placeholderRe = regexp.MustCompile(`^[\.\-–—…]+$`)

// DefaultFallbacks is the announcement used for each action when the
// capability transferred without producing usable text of its own.
func DefaultFallbacks() map[capability.Action]string {
	return map[capability.Action]string{
		capability.ActionTransferToNavigator: "¡Con gusto! ¿A qué dirección enviamos el vehículo?",
		capability.ActionTransferToOperator:  "Perfecto, ya tengo la dirección. ¿Cómo vas a pagar? ¿Necesitas algo especial en el vehículo?",
		capability.ActionTransferToConfirm:   "Listo, tengo todos los datos. ¿Confirmas el servicio?",
		capability.ActionBacktrackToAddress:  "Claro, corrijamos la dirección. ¿Cuál es la dirección correcta?",
		capability.ActionBacktrackToDetails:  "De acuerdo, ajustemos los detalles. ¿Cómo vas a pagar?",
		capability.ActionRegisterDispatch:    "¡Tu servicio quedó registrado! En un momento llega tu vehículo.",
		capability.ActionTransferToHuman:     "Déjame conectarte con un asesor que podrá ayudarte mejor. Un momento por favor.",
	}
}

const genericFallback = "Lo siento, ¿podrías repetir eso? No entendí bien tu mensaje."

// Callbacks lets the caller observe a turn as it happens. All fields are
// optional. OnToken is forwarded to the capability for reply streaming.
// OnStageEnded fires once per successful turn, closing the active stage's
// run; from equals to when the turn did not transition.
type Callbacks struct {
	OnToken         func(token string)
	OnActionInvoked func(inv capability.Invocation)
	OnActionResult  func(actionID, payload string)
	OnStageEnded    func(from, to state.Stage)
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	ConversationID string
	CustomerID     string
	Text           string
}

// TurnResult is the committed outcome of a turn.
type TurnResult struct {
	ConversationID  string
	ReplyText       string
	Stage           state.Stage
	TransferToHuman bool
	TransferReason  string
	DispatchID      string
	Done            bool
	State           *state.ConversationState
}

// Router drives the booking dialogue. Turns for the same conversation are
// serialized on a per-conversation lock; turns for different conversations
// run concurrently.
type Router struct {
	store      checkpoint.Store
	capability capability.Capability
	backends   Backends
	opts       Options
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a router over the given store, capability, and backends.
func New(store checkpoint.Store, invoker capability.Capability, backends Backends, opts Options) *Router {
	if opts.CapabilityTimeout <= 0 {
		opts.CapabilityTimeout = 10 * time.Second
	}
	if opts.ZoneThreshold <= 0 {
		opts.ZoneThreshold = address.DefaultZoneThreshold
	}
	if opts.Placeholder == nil {
		opts.Placeholder = placeholderRe
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = DefaultFallbacks()
	}
	return &Router{
		store:      store,
		capability: invoker,
		backends:   backends,
		opts:       opts,
		logger:     slog.Default().With("component", "router"),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (r *Router) lockFor(conversationID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[conversationID] = lock
	}
	return lock
}

// releaseLock drops a terminal conversation's mutex so the lock table does
// not grow without bound. Goroutines already blocked on the old mutex still
// serialize against its holder; later turns only hit the terminal
// short-circuit.
func (r *Router) releaseLock(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, conversationID)
}

// ProcessTurn runs one full turn. On error nothing is persisted and the
// conversation is left exactly as the previous turn committed it.
func (r *Router) ProcessTurn(ctx context.Context, req TurnRequest, cb Callbacks) (*TurnResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("empty user message")
	}
	id := req.ConversationID
	if id == "" {
		id = uuid.New().String()
	}

	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := r.store.Load(ctx, id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		st = state.New(id, req.CustomerID)
	} else if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}

	work := st.Clone()
	if work.CustomerID == "" {
		work.CustomerID = req.CustomerID
	}
	work.Append(state.Message{
		ID:        uuid.New().String(),
		Role:      state.RoleUser,
		Text:      req.Text,
		CreatedAt: time.Now(),
	})

	if work.ActiveStage == "" {
		work.ActiveStage = state.StageIntake
	}
	if work.ActiveStage == state.StageDone || work.Terminal() {
		if cb.OnStageEnded != nil {
			cb.OnStageEnded(state.StageDone, state.StageDone)
		}
		return r.commit(ctx, work, state.StageDone,
			"Esta conversación ya finalizó. Escríbenos de nuevo si necesitas otro servicio.")
	}
	stageBefore := work.ActiveStage

	if outcome := r.lookupCustomer(ctx, work); outcome != nil {
		return r.commitOutcome(ctx, work, stageBefore, outcome, cb)
	}

	work.Messages = state.SanitizeHistory(work.Messages)

	res, err := r.invokeCapability(ctx, id, work, cb.OnToken)
	if err != nil {
		return nil, err
	}

	reply := strings.TrimSpace(res.Text)
	for _, inv := range res.Invocations {
		if !capability.Allowed(work.ActiveStage, inv.Name) {
			return nil, &TransitionError{From: work.ActiveStage, Action: inv.Name}
		}

		work.Append(state.Message{
			ID:         uuid.New().String(),
			Role:       state.RoleActionInvocation,
			ActionID:   inv.ID,
			ActionName: string(inv.Name),
			ActionArgs: inv.Args,
			CreatedAt:  time.Now(),
		})
		if cb.OnActionInvoked != nil {
			cb.OnActionInvoked(inv)
		}

		outcome, err := r.apply(ctx, work, inv)
		if err != nil {
			return nil, err
		}

		work.Append(state.Message{
			ID:        uuid.New().String(),
			Role:      state.RoleActionResult,
			ActionID:  inv.ID,
			Text:      outcome.payload,
			CreatedAt: time.Now(),
		})
		if cb.OnActionResult != nil {
			cb.OnActionResult(inv.ID, outcome.payload)
		}

		if outcome.overrideReply != "" {
			reply = outcome.overrideReply
		} else if !r.usable(reply) && outcome.fallback != "" {
			reply = outcome.fallback
		}
	}

	if !r.usable(reply) {
		reply = genericFallback
	}

	if cb.OnStageEnded != nil {
		cb.OnStageEnded(stageBefore, work.ActiveStage)
	}
	return r.commit(ctx, work, work.ActiveStage, reply)
}

// actionOutcome is what applying one action produced: a payload for the
// action-result history entry, a fallback announcement used when the
// capability text is empty or placeholder, and an optional reply override for
// clarifying questions that must reach the user verbatim.
type actionOutcome struct {
	payload       string
	fallback      string
	overrideReply string
}

func (r *Router) apply(ctx context.Context, work *state.ConversationState, inv capability.Invocation) (*actionOutcome, error) {
	switch inv.Name {
	case capability.ActionTransferToNavigator:
		return r.applyToNavigator(work, inv), nil
	case capability.ActionTransferToOperator:
		return r.applyToOperator(work, inv), nil
	case capability.ActionTransferToConfirm:
		return r.applyToConfirm(ctx, work, inv), nil
	case capability.ActionBacktrackToAddress:
		work.ClearForNavigator()
		work.ActiveStage = state.StageNavigator
		return &actionOutcome{payload: "backtrack: address", fallback: r.opts.Fallbacks[inv.Name]}, nil
	case capability.ActionBacktrackToDetails:
		work.ClearForOperator()
		work.ActiveStage = state.StageOperator
		return &actionOutcome{payload: "backtrack: details", fallback: r.opts.Fallbacks[inv.Name]}, nil
	case capability.ActionRegisterDispatch:
		return r.applyRegister(ctx, work)
	case capability.ActionTransferToHuman:
		reason := inv.Args[capability.ArgReason]
		if reason == "" {
			reason = "solicitud del cliente"
		}
		return r.transferToHuman(work, reason), nil
	}
	return nil, &TransitionError{From: work.ActiveStage, Action: inv.Name}
}

func (r *Router) applyToNavigator(work *state.ConversationState, inv capability.Invocation) *actionOutcome {
	intent := state.Intent(strings.ToUpper(strings.TrimSpace(inv.Args[capability.ArgIntent])))
	switch intent {
	case state.IntentRequestTaxi, state.IntentRequestCargo, state.IntentCancel,
		state.IntentComplaint, state.IntentInquiry, state.IntentOther:
	default:
		intent = state.IntentRequestTaxi
	}
	work.Intent = intent
	work.ActiveStage = state.StageNavigator
	return &actionOutcome{
		payload:  fmt.Sprintf("intent=%s", intent),
		fallback: r.opts.Fallbacks[capability.ActionTransferToNavigator],
	}
}

func (r *Router) applyToOperator(work *state.ConversationState, inv capability.Invocation) *actionOutcome {
	raw := strings.TrimSpace(inv.Args[capability.ArgAddress])
	if raw == "" {
		return &actionOutcome{
			payload:       "missing address argument",
			overrideReply: "¿A qué dirección enviamos el vehículo? Por ejemplo: calle 72 # 43 - 25.",
		}
	}

	parsed, err := address.Parse(raw)
	if err != nil {
		r.logger.Info("address parse failed", "conversation", work.ID, "error", err)
		return &actionOutcome{
			payload:       err.Error(),
			overrideReply: "No logré entender la dirección. ¿Me la repites con tipo de vía y número? Por ejemplo: calle 72 # 43 - 25.",
		}
	}
	if parsed.Neighborhood == "" {
		parsed.Neighborhood = strings.TrimSpace(inv.Args[capability.ArgNeighborhood])
	}
	if parsed.City == "" {
		parsed.City = strings.TrimSpace(inv.Args[capability.ArgCity])
	}

	zone, err := address.ValidateZone(parsed.Neighborhood, parsed.City, r.opts.ZoneThreshold)
	if errors.Is(err, address.ErrNotCovered) {
		return &actionOutcome{
			payload:       err.Error(),
			overrideReply: "Lo sentimos, por ahora solo prestamos servicio en Barranquilla, Soledad, Puerto Colombia y Galapa.",
		}
	}
	if err != nil {
		return &actionOutcome{
			payload:       err.Error(),
			overrideReply: "No pude validar la zona. ¿En qué ciudad estás?",
		}
	}
	if zone.Zone == "" {
		return &actionOutcome{payload: "zone unresolved", overrideReply: zone.Reason}
	}

	work.ParsedAddress = toStateAddress(parsed)
	work.ValidatedZone = zone.Zone
	work.ActiveStage = state.StageOperator
	return &actionOutcome{
		payload:  fmt.Sprintf("direccion=%s zona=%s", parsed.Format(), zone.Zone),
		fallback: r.opts.Fallbacks[capability.ActionTransferToOperator],
	}
}

func (r *Router) applyToConfirm(ctx context.Context, work *state.ConversationState, inv capability.Invocation) *actionOutcome {
	payment := state.PaymentMethod(strings.ToUpper(strings.TrimSpace(inv.Args[capability.ArgPayment])))
	switch payment {
	case state.PaymentCash, state.PaymentNequi, state.PaymentDaviplata, state.PaymentCardUnit:
	case "":
		payment = state.PaymentCash
	default:
		r.logger.Warn("unknown payment method, defaulting to cash", "value", string(payment))
		payment = state.PaymentCash
	}
	work.PaymentMethod = payment

	for _, tag := range strings.Split(inv.Args[capability.ArgRequirements], ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			work.AddVehicleRequirement(tag)
		}
	}
	if note := strings.TrimSpace(inv.Args[capability.ArgNote]); note != "" {
		work.DriverNote = note
	}

	r.geocodeOnce(ctx, work)
	work.ActiveStage = state.StageConfirm

	formatted := fromStateAddress(work.ParsedAddress).Format()
	return &actionOutcome{
		payload: fmt.Sprintf("direccion=%s pago=%s vehiculo=%s", formatted, payment, CombineVehicleType(work)),
		fallback: fmt.Sprintf("Confirmo tu servicio: %s, pago %s. ¿Está todo bien?",
			formatted, strings.ToLower(string(payment))),
	}
}

// geocodeOnce consults coordinates at most once per address. A backend
// failure is not retried; the dispatch step escalates when coordinates are
// still missing.
func (r *Router) geocodeOnce(ctx context.Context, work *state.ConversationState) {
	if work.GeocodeChecked || r.backends.Geocoder == nil || work.ParsedAddress == nil {
		return
	}
	work.GeocodeChecked = true

	normalized := address.NormalizeForGeocoding(fromStateAddress(work.ParsedAddress).Format())
	coords, err := r.backends.Geocoder.Geocode(ctx, work.CustomerID, normalized)
	if err != nil {
		r.logger.Warn("geocoding failed", "conversation", work.ID, "error", err)
		return
	}
	if coords == nil {
		r.logger.Info("address did not geocode", "conversation", work.ID, "normalized", normalized)
		return
	}
	work.Latitude = &coords.Latitude
	work.Longitude = &coords.Longitude
}

func (r *Router) applyRegister(ctx context.Context, work *state.ConversationState) (*actionOutcome, error) {
	if !work.HasCoordinates() {
		return r.transferToHuman(work, "no se obtuvieron coordenadas para la dirección"), nil
	}

	if r.backends.Dispatcher == nil {
		return r.transferToHuman(work, "backend de despacho no disponible"), nil
	}

	id, err := r.backends.Dispatcher.Register(ctx, dispatch.Registration{
		CustomerID:   work.CustomerID,
		CustomerName: work.CustomerName,
		Address:      fromStateAddress(work.ParsedAddress).Format(),
		VehicleType:  CombineVehicleType(work),
		Note:         work.DriverNote,
		Zone:         work.ValidatedZone,
		Latitude:     work.Latitude,
		Longitude:    work.Longitude,
	})
	if err != nil {
		r.logger.Error("dispatch registration failed", "conversation", work.ID, "error", err)
		return r.transferToHuman(work, "backend de despacho no disponible"), nil
	}

	work.DispatchID = id
	work.ActiveStage = state.StageDone
	r.logger.Info("dispatch registered", "conversation", work.ID, "dispatch_id", id)
	return &actionOutcome{
		payload:  fmt.Sprintf("dispatch_id=%s", id),
		fallback: r.opts.Fallbacks[capability.ActionRegisterDispatch],
	}, nil
}

func (r *Router) transferToHuman(work *state.ConversationState, reason string) *actionOutcome {
	work.TransferToHuman = true
	work.TransferReason = reason
	work.ActiveStage = state.StageDone
	r.logger.Info("transferring to human", "conversation", work.ID, "reason", reason)
	return &actionOutcome{payload: "transfer: " + reason, fallback: humanFallback(reason)}
}

// humanFallback picks the handoff announcement by transfer reason, mirroring
// the wording customers already know from the previous system.
func humanFallback(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "coordenadas") || strings.Contains(lower, "direccion") || strings.Contains(lower, "dirección"):
		return "He recibido todos tus datos, pero necesito verificar tu dirección con un asesor. En un momento te contactará una persona para confirmar tu ubicación exacta."
	case strings.Contains(lower, "asesor") || strings.Contains(lower, "hablar"):
		return "Por supuesto, te conecto con un asesor. Un momento por favor."
	case strings.Contains(lower, "backend") || strings.Contains(lower, "tecnic") || strings.Contains(lower, "técnic"):
		return "Disculpa, estoy teniendo problemas técnicos. Voy a conectarte con un asesor que te ayudará."
	case strings.Contains(lower, "servicio activo") || strings.Contains(lower, "multiples servicios") || strings.Contains(lower, "múltiples servicios"):
		return "Veo que ya tienes un servicio activo. Voy a conectarte con un asesor que te ayudará con esto."
	}
	return "Déjame conectarte con un asesor que podrá ayudarte mejor. Un momento por favor."
}

// lookupCustomer runs the one-time profile consultation at intake. A non-nil
// outcome short-circuits the turn (active service found). Backend failures
// degrade to an empty profile and are retried next turn.
func (r *Router) lookupCustomer(ctx context.Context, work *state.ConversationState) *actionOutcome {
	if work.ActiveStage != state.StageIntake || work.CustomerChecked ||
		work.CustomerID == "" || r.backends.Customers == nil {
		return nil
	}

	profile, err := r.backends.Customers.CustomerProfile(ctx, work.CustomerID)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		work.CustomerChecked = true
		return nil
	case err != nil:
		r.logger.Warn("customer lookup failed", "conversation", work.ID, "error", err)
		return nil
	}

	work.CustomerChecked = true
	work.CustomerName = profile.Name
	work.PreviousAddress = profile.PreviousAddress
	if profile.HasActiveService {
		return r.transferToHuman(work, "multiples servicios: el cliente ya tiene un servicio activo "+profile.ActiveServiceID)
	}
	return nil
}

func (r *Router) invokeCapability(ctx context.Context, id string, work *state.ConversationState, onToken func(string)) (*capability.Result, error) {
	capCtx, cancel := context.WithTimeout(ctx, r.opts.CapabilityTimeout)
	defer cancel()

	res, err := r.capability.Invoke(capCtx, capability.Request{
		ConversationID: id,
		Stage:          work.ActiveStage,
		History:        work.Messages,
		State:          work,
		OnToken:        onToken,
	})
	if err == nil {
		return res, nil
	}

	var cerr *capability.Error
	if errors.As(err, &cerr) {
		return nil, cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, &capability.Error{Code: capability.CodeTimeout, Message: "capability timed out", Err: err}
	}
	return nil, fmt.Errorf("invoking capability: %w", err)
}

// commitOutcome finishes a turn that short-circuited before the capability ran.
func (r *Router) commitOutcome(ctx context.Context, work *state.ConversationState, stageBefore state.Stage, outcome *actionOutcome, cb Callbacks) (*TurnResult, error) {
	if cb.OnStageEnded != nil {
		cb.OnStageEnded(stageBefore, work.ActiveStage)
	}
	reply := outcome.overrideReply
	if reply == "" {
		reply = outcome.fallback
	}
	return r.commit(ctx, work, work.ActiveStage, reply)
}

func (r *Router) commit(ctx context.Context, work *state.ConversationState, stage state.Stage, reply string) (*TurnResult, error) {
	work.ActiveStage = stage
	work.Append(state.Message{
		ID:        uuid.New().String(),
		Role:      state.RoleAssistant,
		Text:      reply,
		CreatedAt: time.Now(),
	})
	work.UpdatedAt = time.Now()

	if err := r.store.Save(ctx, work); err != nil {
		return nil, fmt.Errorf("persisting conversation %s: %w", work.ID, err)
	}
	if work.ActiveStage == state.StageDone {
		r.releaseLock(work.ID)
	}

	return &TurnResult{
		ConversationID:  work.ID,
		ReplyText:       reply,
		Stage:           work.ActiveStage,
		TransferToHuman: work.TransferToHuman,
		TransferReason:  work.TransferReason,
		DispatchID:      work.DispatchID,
		Done:            work.ActiveStage == state.StageDone,
		State:           work,
	}, nil
}

func (r *Router) usable(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed != "" && !r.opts.Placeholder.MatchString(trimmed)
}

// CombineVehicleType folds payment method and vehicle requirements into the
// single field the backend accepts. Cash is the default and is omitted; an
// empty combination becomes "amplio".
func CombineVehicleType(work *state.ConversationState) string {
	var parts []string
	if work.PaymentMethod != "" && work.PaymentMethod != state.PaymentCash {
		parts = append(parts, strings.ToLower(string(work.PaymentMethod)))
	}
	parts = append(parts, work.VehicleRequirements...)
	if len(parts) == 0 {
		return "amplio"
	}
	return strings.Join(parts, ", ")
}

func toStateAddress(p *address.ParsedAddress) *state.ParsedAddress {
	if p == nil {
		return nil
	}
	return &state.ParsedAddress{
		WayType:      p.WayType,
		WayNumber:    p.WayNumber,
		LetterSuffix: p.LetterSuffix,
		OrdinalSufix: p.OrdinalSuffix,
		CrossNumber:  p.CrossNumber,
		CrossLetter:  p.CrossLetter,
		HouseNumber:  p.HouseNumber,
		HouseLetter:  p.HouseLetter,
		PlateNumber:  p.PlateNumber,
		Neighborhood: p.Neighborhood,
		City:         p.City,
		References:   p.References,
	}
}

func fromStateAddress(p *state.ParsedAddress) *address.ParsedAddress {
	if p == nil {
		return &address.ParsedAddress{}
	}
	return &address.ParsedAddress{
		WayType:       p.WayType,
		WayNumber:     p.WayNumber,
		LetterSuffix:  p.LetterSuffix,
		OrdinalSuffix: p.OrdinalSufix,
		CrossNumber:   p.CrossNumber,
		CrossLetter:   p.CrossLetter,
		HouseNumber:   p.HouseNumber,
		HouseLetter:   p.HouseLetter,
		PlateNumber:   p.PlateNumber,
		Neighborhood:  p.Neighborhood,
		City:          p.City,
		References:    p.References,
	}
}
