// ABOUTME: Deterministic rule-based stage capability for local runs and tests
// ABOUTME: Classifies the last user message with keyword rules, no model involved

package capability

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/infinitum-ia/taxi322/internal/address"
	"github.com/infinitum-ia/taxi322/internal/state"
)

// Scripted is a stand-in capability that drives the full stage machine with
// keyword heuristics. It produces the same result shape a model-backed
// capability would, so the router and pipeline are exercised end to end.
type Scripted struct{}

// NewScripted creates a scripted capability.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Invoke implements Capability.
func (s *Scripted) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Code: CodeTimeout, Message: "context done before invocation", Err: err}
	}

	raw := lastUserText(req.History)
	norm := address.NormalizeText(raw)

	var res *Result
	switch req.Stage {
	case state.StageIntake:
		res = s.intake(req, raw, norm)
	case state.StageNavigator:
		res = s.navigator(raw, norm)
	case state.StageOperator:
		res = s.operator(raw, norm)
	case state.StageConfirm:
		res = s.confirm(norm)
	default:
		res = &Result{Text: "Esta conversación ya finalizó. Escríbenos de nuevo si necesitas otro servicio."}
	}

	emitTokens(req, res.Text)
	return res, nil
}

func (s *Scripted) intake(req Request, raw, norm string) *Result {
	switch {
	case containsAny(norm, "carga", "trasteo", "mudanza"):
		return &Result{
			Invocations: []Invocation{invoke(ActionTransferToNavigator, map[string]string{
				ArgIntent: string(state.IntentRequestCargo),
			})},
		}
	case containsAny(norm, "taxi", "servicio", "recoja", "recojan", "carro"):
		text := ""
		if req.State != nil && req.State.CustomerName != "" {
			text = "¡Hola " + req.State.CustomerName + "! Con gusto te ayudo con tu taxi."
		}
		return &Result{
			Text: text,
			Invocations: []Invocation{invoke(ActionTransferToNavigator, map[string]string{
				ArgIntent: string(state.IntentRequestTaxi),
			})},
		}
	case containsAny(norm, "cancelar", "cancela"):
		return &Result{
			Invocations: []Invocation{invoke(ActionTransferToHuman, map[string]string{
				ArgReason: "cancelacion de servicio",
			})},
		}
	case containsAny(norm, "queja", "reclamo", "demanda"):
		return &Result{
			Invocations: []Invocation{invoke(ActionTransferToHuman, map[string]string{
				ArgReason: "queja o reclamo",
			})},
		}
	default:
		return &Result{Text: "¡Hola! Soy el asistente de Taxis 322. ¿Necesitas un taxi?"}
	}
}

func (s *Scripted) navigator(raw, norm string) *Result {
	if strings.ContainsAny(norm, "0123456789") || containsAny(norm, "uno", "dos", "tres", "cuatro", "cinco") {
		return &Result{
			Invocations: []Invocation{invoke(ActionTransferToOperator, map[string]string{
				ArgAddress: raw,
			})},
		}
	}
	return &Result{Text: "¿Desde qué dirección necesitas el taxi? Por ejemplo: calle 43 # 50 - 12, barrio El Prado."}
}

func (s *Scripted) operator(raw, norm string) *Result {
	var payment state.PaymentMethod
	switch {
	case containsAny(norm, "efectivo", "cash"):
		payment = state.PaymentCash
	case containsAny(norm, "nequi"):
		payment = state.PaymentNequi
	case containsAny(norm, "daviplata"):
		payment = state.PaymentDaviplata
	case containsAny(norm, "datafono", "tarjeta"):
		payment = state.PaymentCardUnit
	}

	var reqs []string
	if containsAny(norm, "mascota", "perro", "gato") {
		reqs = append(reqs, "mascota")
	}
	if containsAny(norm, "baul", "maleta", "equipaje") {
		reqs = append(reqs, "baul grande")
	}
	if strings.Contains(norm, "silla de ruedas") {
		reqs = append(reqs, "silla de ruedas")
	}

	if payment == "" {
		return &Result{Text: "¿Cómo vas a pagar? Manejamos efectivo, Nequi, Daviplata o datáfono."}
	}

	args := map[string]string{ArgPayment: string(payment)}
	if len(reqs) > 0 {
		args[ArgRequirements] = strings.Join(reqs, ",")
	}
	if containsAny(norm, "porton", "casa", "edificio", "apartamento", "torre", "esquina") {
		args[ArgNote] = raw
	}
	return &Result{Invocations: []Invocation{invoke(ActionTransferToConfirm, args)}}
}

func (s *Scripted) confirm(norm string) *Result {
	switch {
	case containsAny(norm, "asesor", "humano", "persona", "operadora"):
		return &Result{
			Invocations: []Invocation{invoke(ActionTransferToHuman, map[string]string{
				ArgReason: "solicitud del cliente",
			})},
		}
	case strings.Contains(norm, "direccion") && containsAny(norm, "mal", "cambiar", "corregir", "otra", "equivocada"):
		return &Result{Invocations: []Invocation{invoke(ActionBacktrackToAddress, nil)}}
	case containsAny(norm, "pago", "metodo", "nota", "detalle") && containsAny(norm, "mal", "cambiar", "corregir", "otro"):
		return &Result{Invocations: []Invocation{invoke(ActionBacktrackToDetails, nil)}}
	case containsAny(norm, "si", "confirmo", "confirmar", "dale", "listo", "correcto", "de una", "perfecto"):
		return &Result{Invocations: []Invocation{invoke(ActionRegisterDispatch, nil)}}
	default:
		return &Result{Text: "¿Confirmas el servicio con esos datos? Responde sí para pedir el taxi, o dime qué quieres corregir."}
	}
}

func invoke(name Action, args map[string]string) Invocation {
	return Invocation{ID: uuid.New().String(), Name: name, Args: args}
}

func lastUserText(history []state.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == state.RoleUser {
			return history[i].Text
		}
	}
	return ""
}

func containsAny(norm string, words ...string) bool {
	padded := " " + norm + " "
	for _, w := range words {
		if strings.Contains(w, " ") {
			if strings.Contains(norm, w) {
				return true
			}
			continue
		}
		if strings.Contains(padded, " "+w+" ") {
			return true
		}
	}
	return false
}

func emitTokens(req Request, text string) {
	if req.OnToken == nil || text == "" {
		return
	}
	words := strings.Fields(text)
	for i, w := range words {
		if i < len(words)-1 {
			req.OnToken(w + " ")
		} else {
			req.OnToken(w)
		}
	}
}

// Ensure Scripted implements Capability
var _ Capability = (*Scripted)(nil)
