package token_scopes

import (
	"context"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
)

type TokenScope string

const (
	Api_Read  TokenScope = "api:read"
	Api_Write TokenScope = "api:write"
	Cli_Read  TokenScope = "cli:read"
	Cli_Write TokenScope = "cli:write"
)

// ErrScopeMissing is wrapped by the validator when a token lacks the required scopes.
var ErrScopeMissing = errors.New("token does not carry the required scope")

func (s TokenScope) String() string {
	return string(s)
}

// DefaultApiScopes are granted to tokens minted for web and refresh sessions.
func DefaultApiScopes() []string {
	return []string{Api_Read.String(), Api_Write.String()}
}

func cliScopes() []TokenScope {
	return []TokenScope{Cli_Read, Cli_Write}
}

// Get a string representation of a list of scopes, which can then be passed
// to the Claim builder of JWT constructor
func GetScopeString(scopes []TokenScope) string {
	names := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		names = append(names, scope.String())
	}
	return strings.Join(names, " ")
}

// ParseCliScopes turns the space-separated scope parameter of a CLI
// authorization request into the granted scope list. Unknown scopes are
// dropped, duplicates collapsed, and an empty result falls back to cli:read.
func ParseCliScopes(scope string) []string {
	seen := map[string]bool{}
	granted := []string{}
	for _, requested := range strings.Fields(scope) {
		for _, allowed := range cliScopes() {
			if requested == allowed.String() && !seen[requested] {
				seen[requested] = true
				granted = append(granted, requested)
			}
		}
	}
	if len(granted) == 0 {
		return []string{Cli_Read.String()}
	}
	return granted
}

// Return if expectedScopes contains the tokenScope and it's case-insensitive.
// If all=false, it checks if the tokenScopes have any one scope in expectedScopes;
// If all=true, it checks that every scope in expectedScopes is present in tokenScopes
func ScopeContains(tokenScopes []string, expectedScopes []TokenScope, all bool) bool {
	if len(expectedScopes) == 0 {
		return false
	}
	has := func(expected TokenScope) bool {
		for _, tokenScope := range tokenScopes {
			if strings.EqualFold(expected.String(), tokenScope) {
				return true
			}
		}
		return false
	}
	for _, expected := range expectedScopes {
		found := has(expected)
		if found && !all {
			return true
		}
		if !found && all {
			return false
		}
	}
	return all
}

// Creates a validator that checks if a token's scope claim (a JSON array of
// strings) matches expectedScopes. See ScopeContains for the matching rules.
func CreateScopeValidator(expectedScopes []TokenScope, all bool) jwt.ValidatorFunc {
	return jwt.ValidatorFunc(func(_ context.Context, tok jwt.Token) jwt.ValidationError {
		if len(expectedScopes) == 0 {
			return nil
		}
		scopeAny, present := tok.Get("scope")
		if !present {
			return jwt.NewValidationError(errors.Wrap(ErrScopeMissing, "no scope is present"))
		}
		rawScopes, ok := scopeAny.([]interface{})
		if !ok {
			return jwt.NewValidationError(errors.New("scope claim in token is not an array"))
		}
		scopes := make([]string, 0, len(rawScopes))
		for _, raw := range rawScopes {
			if scope, ok := raw.(string); ok {
				scopes = append(scopes, scope)
			}
		}
		if ScopeContains(scopes, expectedScopes, all) {
			return nil
		}
		return jwt.NewValidationError(errors.Wrap(ErrScopeMissing, fmt.Sprint("token does not contain the scopes: ", expectedScopes)))
	})
}
