package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ptgott/one-mailer/email"
	"github.com/ptgott/one-mailer/storage"
	"github.com/ptgott/one-mailer/userconfig"

	"github.com/rs/zerolog/log"
)

// SuccessMessage is written to Config.OutputWr once the relay has accepted
// the message.
const SuccessMessage = "Email sent successfully!"

// Config is what a single run needs apart from the user's settings.
type Config struct {
	Subject string
	Body    string
	// Optional text/html alternative to Body.
	HTML string
	// Writer for the success message, or for the raw message when NoEmail
	// is set. The means of display is controlled by the caller.
	OutputWr io.Writer
	// Write the message to OutputWr instead of sending it. Used to check a
	// configuration without bothering the relay.
	NoEmail bool
	// Now defaults to time.Now. It's only used for the journal.
	Now func() time.Time
}

// Run builds one message from the configured sender to the configured
// recipients and sends it, then records the outcome in the journal if one
// is configured. settings must come from CheckAndSetDefaults. The error is
// the send's error unchanged, so callers can use email.Kind on it.
func Run(ctx context.Context, c *Config, settings *userconfig.Settings) error {
	m, err := settings.Message(c.Subject, c.Body, c.HTML)
	if err != nil {
		return err
	}

	if c.NoEmail {
		if c.OutputWr == nil {
			log.Warn().Msg("a writer is unavailable for receiving the output message")
			return nil
		}
		if _, err := m.WriteTo(c.OutputWr); err != nil {
			return fmt.Errorf("cannot write the message output: %w", err)
		}
		return nil
	}

	tc, err := settings.TransportConfig()
	if err != nil {
		return err
	}
	tr, err := email.NewTransport(tc)
	if err != nil {
		return err
	}

	var db storage.KeyValue
	if settings.Journal.StorageDirPath == "" {
		db = &storage.NoOpDB{}
	} else {
		db, err = storage.NewBadgerDB(&settings.Journal)
		if err != nil {
			return err
		}
		log.Debug().Msg("set up the database connection successfully")
	}
	// Close the connection here so BadgerDB can flush to disk.
	// https://pkg.go.dev/github.com/dgraph-io/badger#readme-i-don-t-see-any-disk-writes-why
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("error closing the database")
		}
	}()

	log.Info().
		Str("relay", tr.Endpoint().String()).
		Str("message_id", m.MessageID()).
		Msg("attempting to send an email")
	sendErr := tr.Send(ctx, m)

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	err = storage.NewJournal(db).Record(storage.NewRecord(m, sendErr, now()))
	switch {
	case errors.Is(err, storage.ErrDisabled):
	case err != nil:
		log.Error().Err(err).Msg("error saving the send to the journal")
	default:
		// Get rid of old keys just before we close
		if err := db.Cleanup(); err != nil {
			log.Error().Err(err).Msg("error cleaning up the database")
		}
	}

	if sendErr != nil {
		return sendErr
	}
	if c.OutputWr != nil {
		fmt.Fprintln(c.OutputWr, SuccessMessage)
	}
	return nil
}
