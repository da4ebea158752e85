package identity

// departmentRoles maps a department code to the realm role granted at
// onboarding. EXEC maps to a composite role that expands to the full
// read-level set on the provider side.
var departmentRoles = map[string]string{
	"HR":      "hr-read",
	"FINANCE": "finance-read",
	"IT":      "it-admin",
	"SALES":   "sales-read",
	"EXEC":    "executive-suite",
}

// RoleForDepartment returns the realm role mapped to a department. A missing
// mapping is not an error; onboarding proceeds without assignment.
func RoleForDepartment(department string) (string, bool) {
	role, ok := departmentRoles[department]
	return role, ok
}
