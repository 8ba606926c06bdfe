// Copyright 2025 AUTHORS
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

package storage

import "fmt"

// Migrator upgrades a decoded value by exactly one schema version step.
// Grounded on the teacher's pkg/db/migrate.go "start version -> next step"
// map, generalized to any stored schema instead of just the service db.
type Migrator func(v any) error

// Migrate applies the migrators for fromVersion, fromVersion+1, ... in
// order until reaching toVersion, mutating v in place at each step. A
// missing migrator for an intermediate version is a hard failure — the
// teacher's schema does the same (see reinit in pkg/db/migrate.go): there
// is no safe partial upgrade path.
func Migrate(v any, fromVersion, toVersion int, migrators map[int]Migrator) error {
	for ver := fromVersion; ver < toVersion; ver++ {
		step, ok := migrators[ver]
		if !ok {
			return fmt.Errorf("storage: no migration registered for version %d -> %d", ver, ver+1)
		}
		if err := step(v); err != nil {
			return fmt.Errorf("storage: migrate %d -> %d: %w", ver, ver+1, err)
		}
	}
	return nil
}
