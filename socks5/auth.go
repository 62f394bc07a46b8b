package socks5

import (
	"fmt"
	"io"
	"unicode/utf8"
)

// Username/password sub-negotiation version per RFC 1929.
const userPassVersion = 0x01

// Sub-negotiation status bytes.
const (
	authStatusSuccess = 0x00
	authStatusFailure = 0x01
)

// Authenticator negotiates and performs SOCKS5 authentication for the
// engine. C is the credential type produced on success; the engine never
// inspects it, only hands it to the command handlers.
type Authenticator[C any] interface {
	// SelectMethod picks one of the methods offered by the client, or
	// MethodNoAcceptable. It must be deterministic. If it returns a method
	// the client did not offer, the engine treats that as MethodNoAcceptable
	// and closes after announcing it.
	SelectMethod(offered []Method) Method

	// Authenticate runs the method's sub-negotiation on the connection.
	// It returns ok=false for a clean authentication rejection (the engine
	// closes without another reply) and a non-nil error for framing or
	// transport failures.
	Authenticate(conn io.ReadWriter, method Method) (credentials C, ok bool, err error)
}

// NoAuth is the "no authentication required" authenticator. Its credential
// type is the empty struct.
type NoAuth struct{}

// SelectMethod picks MethodNoAuth iff the client offered it.
func (NoAuth) SelectMethod(offered []Method) Method {
	for _, m := range offered {
		if m == MethodNoAuth {
			return MethodNoAuth
		}
	}
	return MethodNoAcceptable
}

// Authenticate is a no-op; the no-auth method has no sub-negotiation.
func (NoAuth) Authenticate(io.ReadWriter, Method) (struct{}, bool, error) {
	return struct{}{}, true, nil
}

// User carries the credentials a client presented during the RFC 1929
// sub-negotiation. Both fields are between 1 and 255 bytes of valid UTF-8.
type User struct {
	Username string
	Password string
}

// UserAuthenticator is the verdict predicate behind [UserPass]. It maps a
// presented user to credentials, rejects it cleanly (ok=false), or fails.
type UserAuthenticator[C any] interface {
	AuthenticateUser(user User) (credentials C, ok bool, err error)
}

// UserAuthenticatorFunc adapts a function to the UserAuthenticator interface.
type UserAuthenticatorFunc[C any] func(user User) (C, bool, error)

// AuthenticateUser calls f.
func (f UserAuthenticatorFunc[C]) AuthenticateUser(user User) (C, bool, error) {
	return f(user)
}

// UserPass implements the username/password method (RFC 1929).
//
// Wire format of the sub-negotiation:
//
//	client -> server: VER | ULEN | UNAME | PLEN | PASSWD
//	server -> client: VER | STATUS        (STATUS 0x00 on success)
//
// VER must be 0x01 and both lengths must be at least one; violations are
// framing errors that terminate the connection without a status byte.
type UserPass[C any] struct {
	users UserAuthenticator[C]
}

// NewUserPass builds a username/password authenticator around a verdict
// predicate.
func NewUserPass[C any](users UserAuthenticator[C]) *UserPass[C] {
	return &UserPass[C]{users: users}
}

// SelectMethod picks MethodUserPass iff the client offered it.
func (a *UserPass[C]) SelectMethod(offered []Method) Method {
	for _, m := range offered {
		if m == MethodUserPass {
			return MethodUserPass
		}
	}
	return MethodNoAcceptable
}

// Authenticate runs the RFC 1929 sub-negotiation and delegates the verdict
// to the user predicate. On rejection the failure status is written and
// ok=false is returned.
func (a *UserPass[C]) Authenticate(conn io.ReadWriter, _ Method) (C, bool, error) {
	var zero C

	user, err := readUser(conn)
	if err != nil {
		return zero, false, err
	}

	credentials, ok, err := a.users.AuthenticateUser(user)
	if err != nil {
		return zero, false, err
	}

	status := byte(authStatusSuccess)
	if !ok {
		status = authStatusFailure
	}
	if _, err := conn.Write([]byte{userPassVersion, status}); err != nil {
		return zero, false, err
	}

	return credentials, ok, nil
}

func readUser(r io.Reader) (User, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return User{}, err
	}
	if header[0] != userPassVersion {
		return User{}, fmt.Errorf("%w: username/password version 0x%02x", ErrBadFraming, header[0])
	}
	if header[1] == 0 {
		return User{}, fmt.Errorf("%w: empty username", ErrBadFraming)
	}

	username := make([]byte, header[1])
	if _, err := io.ReadFull(r, username); err != nil {
		return User{}, err
	}
	if !utf8.Valid(username) {
		return User{}, fmt.Errorf("%w: username is not valid utf-8", ErrBadFraming)
	}

	var plen [1]byte
	if _, err := io.ReadFull(r, plen[:]); err != nil {
		return User{}, err
	}
	if plen[0] == 0 {
		return User{}, fmt.Errorf("%w: empty password", ErrBadFraming)
	}

	password := make([]byte, plen[0])
	if _, err := io.ReadFull(r, password); err != nil {
		return User{}, err
	}
	if !utf8.Valid(password) {
		return User{}, fmt.Errorf("%w: password is not valid utf-8", ErrBadFraming)
	}

	return User{Username: string(username), Password: string(password)}, nil
}

// NewStoreAuth builds a username/password authenticator backed by a
// [CredentialStore]. The authenticated username is the credential value
// handed to command handlers.
func NewStoreAuth(store CredentialStore) *UserPass[string] {
	return NewUserPass[string](UserAuthenticatorFunc[string](func(user User) (string, bool, error) {
		if !store.Valid(user.Username, user.Password) {
			return "", false, nil
		}
		return user.Username, true, nil
	}))
}
