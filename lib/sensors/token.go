/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package sensors

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/gravitational/trace"
)

// tokenPrefix marks telemeter sensor tokens so leaked credentials are
// recognizable in scanners and logs.
const tokenPrefix = "tmtr_"

// tokenEntropyBytes is the random payload of a generated token.
const tokenEntropyBytes = 24

// previewLen is how many trailing characters of a token are kept in the
// clear for identification in listings.
const previewLen = 6

// NewToken generates a sensor bearer token. The plaintext is returned
// exactly once at creation or rotation; only its hash is stored.
func NewToken() (token string, hash []byte, preview string, err error) {
	entropy := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", nil, "", trace.Wrap(err)
	}
	token = tokenPrefix + hex.EncodeToString(entropy)
	return token, HashToken(token), Preview(token), nil
}

// HashToken derives the stored form of a sensor token.
func HashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Preview returns the identifying suffix of a token, safe to store and
// display.
func Preview(token string) string {
	if len(token) <= previewLen {
		return token
	}
	return "…" + token[len(token)-previewLen:]
}
