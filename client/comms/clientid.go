package comms

import (
	"crypto/sha256"

	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/util"
)

const (
	clientIdPrefix = "C."

	// bytes of the key fingerprint that make up the client id
	clientIdBytes = 8
)

// ClientIdFromKey derives a client id from the client's public key. The server
// derives the same id when it enrolls the client, so a client cannot claim an id
// that does not belong to its key.
func ClientIdFromKey(key *keypair.PublicKey) string {
	digest := sha256.Sum256(key.ModulusMPI())
	return clientIdPrefix + util.BytesToHex(digest[:clientIdBytes])
}
