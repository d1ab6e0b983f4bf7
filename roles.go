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

package telemeter

import (
	"strings"

	"github.com/gravitational/trace"
)

// Role is the caller's role within a project, asserted by the fronting auth
// gateway on every operator API request.
type Role string

const (
	// RoleOwner may do everything within the project, including destructive
	// operations.
	RoleOwner Role = "owner"
	// RoleEditor may create and mutate project resources but not delete the
	// project or rotate ownership.
	RoleEditor Role = "editor"
	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
)

// ParseRole validates a role string received on the wire.
func ParseRole(v string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(v)))
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return r, nil
	}
	return "", trace.BadParameter("role %q is not supported", v)
}

// CanEdit reports whether the role allows mutating project resources.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// String returns the wire representation of the role.
func (r Role) String() string {
	return string(r)
}
