package audit

import "strings"

// ActionResource holds action and resource derived from an HTTP route.
type ActionResource struct {
	Action   string
	Resource string
}

// ParseRoute returns action and resource for an HTTP method and gin route pattern
// (e.g. POST /v1/challenges/:id/approve). Resource is the singular collection name;
// action is the trailing verb segment, or get, list, create, or update by method.
func ParseRoute(method, route string) ActionResource {
	var parts []string
	for _, p := range strings.Split(strings.Trim(route, "/"), "/") {
		if p == "" || (len(p) >= 2 && p[0] == 'v' && strings.Trim(p[1:], "0123456789") == "") {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	resource := singular(parts[0])
	last := parts[len(parts)-1]
	switch {
	case len(parts) == 1 && method == "GET":
		return ActionResource{Action: "list", Resource: resource}
	case len(parts) == 1:
		return ActionResource{Action: methodToAction(method), Resource: resource}
	case strings.HasPrefix(last, ":") && method == "GET":
		return ActionResource{Action: "get", Resource: resource}
	case strings.HasPrefix(last, ":"):
		return ActionResource{Action: methodToAction(method), Resource: resource}
	case method == "GET":
		return ActionResource{Action: "get_" + last, Resource: resource}
	case len(parts) == 2 && !strings.HasPrefix(parts[1], ":"):
		// POST /challenges/self, POST /escrow/holds
		return ActionResource{Action: "create_" + singular(last), Resource: resource}
	default:
		return ActionResource{Action: last, Resource: resource}
	}
}

func singular(s string) string {
	if strings.HasSuffix(s, "s") && len(s) > 1 {
		return s[:len(s)-1]
	}
	return s
}

func methodToAction(method string) string {
	switch method {
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
