package terminal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/util"
)

// generatePrefix in the id asks the host to mint fresh credentials.
const generatePrefix = "XXX"

var ErrBadCredentials = errors.New("terminal: credentials must look like id/passkey")

// ParseCredentials reads an "id/passkey" line as handed to a terminal host
// on stdin. Anything after an underscore in the passkey is ignored. When the
// id starts with XXX a new id and passkey are generated and generated is
// true; the caller prints them so the client can pick them up.
func ParseCredentials(line string) (info protocol.TerminalUserInfo, generated bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	id, passkey, ok := strings.Cut(line, "/")
	if !ok || id == "" {
		return info, false, ErrBadCredentials
	}
	if i := strings.IndexByte(passkey, '_'); i >= 0 {
		passkey = passkey[:i]
	}

	if strings.HasPrefix(id, generatePrefix) {
		key, err := crypto.GenerateKey()
		if err != nil {
			return info, false, err
		}
		return protocol.TerminalUserInfo{ID: util.NewClientID(), Passkey: key}, true, nil
	}

	if _, err := crypto.ParseKey(passkey); err != nil {
		return info, false, fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	return protocol.TerminalUserInfo{ID: id, Passkey: passkey}, false, nil
}

// Credentials formats info the way ParseCredentials reads it.
func Credentials(info protocol.TerminalUserInfo) string {
	return info.ID + "/" + info.Passkey
}
