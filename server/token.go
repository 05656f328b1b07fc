package server

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// A TokenValidator checks the user tokens passed to the web API. If the token
// is not valid, for whatever reason, the user "" with a role of RoleUnknown is
// returned. An error is returned only if there was a problem doing the lookup
// and the status of the token is unknown.
type TokenValidator interface {
	TokenValid(token string) (user string, role Role, err error)
}

// Role is what a user may do. Each role may do everything the ones below it
// may.
type Role int

const (
	RoleUnknown Role = iota
	RoleMetadata
	RoleRead
	RoleWrite
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleMetadata:
		return "metadata"
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

func atoRole(s string) Role {
	switch strings.ToLower(s) {
	case "metadata", "mdonly":
		return RoleMetadata
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

// NobodyValidator gives every token, including the empty one, the user
// "nobody" with the Admin role.
type NobodyValidator struct{}

func (NobodyValidator) TokenValid(token string) (string, Role, error) {
	return "nobody", RoleAdmin, nil
}

// NewListValidator returns a validator backed by the users listed in r.
// Each line has the form
//
//	<user name>  <role>  <token>
//
// with the fields separated by whitespace. The role is one of "Metadata",
// "Read", "Write", or "Admin" (case insensitive). Empty lines and lines
// beginning with '#' are skipped, as are lines with the wrong number of
// fields. A token listed twice keeps its first entry.
func NewListValidator(r io.Reader) (TokenValidator, error) {
	v := listValidator{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		pieces := strings.Fields(scanner.Text())
		if len(pieces) != 3 || strings.HasPrefix(pieces[0], "#") {
			continue
		}
		if _, ok := v[pieces[2]]; ok {
			continue
		}
		v[pieces[2]] = userEntry{user: pieces[0], role: atoRole(pieces[1])}
	}
	return v, scanner.Err()
}

// NewListValidatorFile reads the token list from the named file.
func NewListValidatorFile(fname string) (TokenValidator, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListValidator(f)
}

// NewListValidatorString reads the token list from data.
func NewListValidatorString(data string) (TokenValidator, error) {
	return NewListValidator(strings.NewReader(data))
}

type userEntry struct {
	user string
	role Role
}

// listValidator is keyed by token.
type listValidator map[string]userEntry

func (lv listValidator) TokenValid(token string) (string, Role, error) {
	if token == "" {
		return "", RoleUnknown, nil
	}
	u, ok := lv[token]
	if !ok {
		return "", RoleUnknown, nil
	}
	return u.user, u.role, nil
}
