package model

// Connection verbs accepted by persistent transports. Verb names are
// reserved and cannot be used as action names.
const (
	VerbQuit          = "quit"
	VerbExit          = "exit"
	VerbDocumentation = "documentation"
	VerbParamAdd      = "paramAdd"
	VerbParamDelete   = "paramDelete"
	VerbParamView     = "paramView"
	VerbParamsView    = "paramsView"
	VerbParamsDelete  = "paramsDelete"
	VerbRoomAdd       = "roomAdd"
	VerbRoomLeave     = "roomLeave"
	VerbRoomView      = "roomView"
	VerbDetailsView   = "detailsView"
)

// Verbs lists every connection verb.
var Verbs = []string{
	VerbQuit,
	VerbExit,
	VerbDocumentation,
	VerbParamAdd,
	VerbParamDelete,
	VerbParamView,
	VerbParamsView,
	VerbParamsDelete,
	VerbRoomAdd,
	VerbRoomLeave,
	VerbRoomView,
	VerbDetailsView,
}
