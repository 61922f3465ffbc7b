package artifact

import (
	"fmt"
	"os"
)

// renameAside swaps a and b with three renames. b is briefly absent.
func renameAside(a, b string) error {
	aside := a + ".old"
	if err := os.Rename(b, aside); err != nil {
		return err
	}
	if err := os.Rename(a, b); err != nil {
		if rerr := os.Rename(aside, b); rerr != nil {
			return fmt.Errorf("%w (restore failed: %v)", err, rerr)
		}
		return err
	}
	return os.Rename(aside, a)
}
