package botapi

import (
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"

	"tasker/internal/transport"
)

// mapError prefixes err with the method and turns the two retractions that
// are already moot into the transport sentinels.
func mapError(method string, err error) error {
	switch {
	case isTeleError(err, tele.ErrNotFoundToDelete):
		return fmt.Errorf("botapi %s: %w", method, transport.ErrMessageNotFound)
	case isTeleError(err, tele.ErrNoRightsToDelete):
		return fmt.Errorf("botapi %s: %w", method, transport.ErrMessageCantBeDeleted)
	}
	return fmt.Errorf("botapi %s: %w", method, err)
}

func isTeleError(err error, want *tele.Error) bool {
	if errors.Is(err, want) {
		return true
	}
	var te *tele.Error
	return errors.As(err, &te) && te.Code == want.Code && te.Description == want.Description
}
