/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: targets.go
Description: Target function descriptors for the Akaylee Client. A descriptor list
is loaded once at session start from a JSON target file and is read-only for the
rest of the run. Descriptors decide which intercepted calls are candidates for
mutation, including the alias rule between the generic registry-read primitive
and its platform-specific variants.
*/

package target

import (
	"encoding/json"
	"fmt"
	"os"
)

// Descriptor marks a single hookable function as selected for fuzzing or not
type Descriptor struct {
	Function string `json:"function"`
	Selected bool   `json:"selected"`
}

// Descriptors is the immutable target list for a run
type Descriptors []Descriptor

// LoadDescriptors reads the target list from a JSON file. A missing or
// malformed list is fatal to the session: fuzzing without targets is
// meaningless.
func LoadDescriptors(path string) (Descriptors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read target list %q: %w", path, err)
	}

	var descs Descriptors
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("failed to parse target list %q: %w", path, err)
	}
	return descs, nil
}

// IsTargeted reports whether a function is selected for mutation. alias is
// the logical name the function variants share ("" when the function has no
// alias). A descriptor naming the function directly always decides; the
// alias only applies when no specific descriptor for this variant exists at
// all, so selecting the generic form never force-enables a variant whose
// specific descriptor is present but unselected.
func (d Descriptors) IsTargeted(function, alias string) bool {
	for _, desc := range d {
		if desc.Function == function {
			return desc.Selected
		}
	}

	if alias == "" {
		return false
	}

	for _, desc := range d {
		if desc.Function == alias && desc.Selected {
			return true
		}
	}
	return false
}
