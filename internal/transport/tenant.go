package transport

import "encoding/json"

// tenantFields are the payload keys that identify tenant ownership.
var tenantFields = map[string]bool{
	"tenant_id":       true,
	"organization_id": true,
}

// checkTenantIsolation walks a JSON response body and verifies that
// every tenant-identifier field matches the caller's own tenant.
// Development-only defense in depth: a backend bug returning another
// tenant's rows should fail loudly in dev rather than render.
//
// Returns nil on parse failure (an unparseable body is not a
// violation) and a *SecurityError on the first mismatch.
func checkTenantIsolation(body []byte, tenant string) *SecurityError {
	if tenant == "" || len(body) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	return walkTenant(doc, tenant)
}

func walkTenant(node any, tenant string) *SecurityError {
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if tenantFields[key] {
				if s, ok := val.(string); ok && s != tenant {
					return &SecurityError{Field: key, Got: s, Want: tenant}
				}
			}
			if err := walkTenant(val, tenant); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := walkTenant(item, tenant); err != nil {
				return err
			}
		}
	}
	return nil
}
