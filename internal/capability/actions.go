// ABOUTME: Closed action vocabulary a stage capability may propose per stage
// ABOUTME: The router rejects anything outside these sets as a transition error

package capability

import (
	"github.com/infinitum-ia/taxi322/internal/state"
)

// Action names a stage-transfer, backtrack, or terminal request proposed by
// a stage capability. The set is closed; free-form names are not dispatched.
type Action string

const (
	ActionTransferToNavigator Action = "transferir_a_navegante"
	ActionTransferToOperator  Action = "transferir_a_operador"
	ActionTransferToConfirm   Action = "transferir_a_confirmador"
	ActionBacktrackToAddress  Action = "corregir_direccion"
	ActionBacktrackToDetails  Action = "corregir_detalles"
	ActionRegisterDispatch    Action = "registrar_servicio"
	ActionTransferToHuman     Action = "transferir_a_humano"
)

// Argument keys used in action invocations.
const (
	ArgIntent       = "intencion"
	ArgAddress      = "direccion"
	ArgNeighborhood = "barrio"
	ArgCity         = "ciudad"
	ArgPayment      = "metodo_pago"
	ArgRequirements = "requisitos"
	ArgNote         = "nota"
	ArgReason       = "motivo"
)

var allowedActions = map[state.Stage][]Action{
	state.StageIntake: {
		ActionTransferToNavigator,
		ActionTransferToHuman,
	},
	state.StageNavigator: {
		ActionTransferToOperator,
		ActionTransferToHuman,
	},
	state.StageOperator: {
		ActionTransferToConfirm,
		ActionTransferToHuman,
	},
	state.StageConfirm: {
		ActionRegisterDispatch,
		ActionBacktrackToAddress,
		ActionBacktrackToDetails,
		ActionTransferToHuman,
	},
}

// AllowedActions returns the actions a capability may propose for the stage.
// DONE has no allowed actions.
func AllowedActions(stage state.Stage) []Action {
	return allowedActions[stage]
}

// Allowed reports whether the action is in the stage's closed set.
func Allowed(stage state.Stage, action Action) bool {
	for _, a := range allowedActions[stage] {
		if a == action {
			return true
		}
	}
	return false
}
