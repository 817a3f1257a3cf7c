package rbac

const (
	RoleLearner = "learner"
	RoleAdmin   = "admin"
)

const (
	PermSessionView    = "session:view"
	PermSessionAnswer  = "session:answer"
	PermEvaluationView = "evaluation:view"
	PermEvaluationEdit = "evaluation:edit"
	PermActiveView     = "active:view"
	PermActiveSet      = "active:set"
	PermResultsView    = "results:view"
	PermResponsesPurge = "responses:purge"
	PermAssetsUpload   = "assets:upload"
	PermAuditView      = "audit:view"
)

// RolePermissions is the default policy. The admin also runs evaluations as a
// learner to preview them.
var RolePermissions = map[string][]string{
	RoleLearner: {
		"session:*",
	},
	RoleAdmin: {
		"*",
	},
}
