// Copyright 2025 The dibsfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sessionid resolves the operating-system session group id that
// identifies an agent for OCC purposes. Two processes sharing a session
// group id share OCC identity; two processes in different session groups
// are independent agents, even if they are siblings in the same process
// tree.
package sessionid

import "golang.org/x/sys/unix"

// Of returns the session id of the process with the given pid, via
// getsid(2). The kernel-protocol layer calls this once per request with the
// pid it reports for the caller.
func Of(pid int) (uint32, error) {
	sid, err := unix.Getsid(pid)
	if err != nil {
		return 0, err
	}
	return uint32(sid), nil
}
