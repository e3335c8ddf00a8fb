package session

import (
	"fmt"

	"github.com/ashureev/orchestratord/internal/errs"
)

func errListenerCap(kind string, limit int) error {
	return errs.ResourceExhausted(fmt.Sprintf("%s listener cap of %d reached", kind, limit))
}
