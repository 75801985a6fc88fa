package domain

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// CanTransition reports whether the store may move a record from s to next.
// failed -> pending is not listed: a retry is decided inside MarkFailed while
// the record is still sending.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSending
	case StatusSending:
		return next == StatusSent || next == StatusFailed || next == StatusPending
	}
	return false
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// Channels lists every supported delivery channel.
var Channels = []Channel{ChannelWhatsApp, ChannelSMS, ChannelEmail}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

const (
	MaxTemplateNameLength = 128
	MaxVariables          = 32
	MaxVariableLength     = 1024
)

var (
	phonePattern        = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)
	templateNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)
)

// Notification is a single intended outbound message to a patient or contact.
// Channel, Recipient, TemplateName and Variables are fixed at creation.
type Notification struct {
	ID           string
	ClinicID     string
	Channel      Channel
	Recipient    string
	TemplateName string
	Variables    map[string]string
	Status       Status
	Attempts     int
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.ClinicID) == "" {
		return fmt.Errorf("%w: clinicId is required", ErrValidation)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}
	if n.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if err := validateRecipient(n.Channel, n.Recipient); err != nil {
		return err
	}

	if n.TemplateName == "" {
		return fmt.Errorf("%w: templateName is required", ErrValidation)
	}
	if len(n.TemplateName) > MaxTemplateNameLength || !templateNamePattern.MatchString(n.TemplateName) {
		return fmt.Errorf("%w: invalid templateName %q", ErrValidation, n.TemplateName)
	}

	if len(n.Variables) > MaxVariables {
		return fmt.Errorf("%w: at most %d template variables allowed (got %d)", ErrValidation, MaxVariables, len(n.Variables))
	}
	for key, value := range n.Variables {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: template variable name must not be empty", ErrValidation)
		}
		if len([]rune(value)) > MaxVariableLength {
			return fmt.Errorf("%w: template variable %q exceeds %d characters", ErrValidation, key, MaxVariableLength)
		}
	}

	return nil
}

func validateRecipient(channel Channel, recipient string) error {
	switch channel {
	case ChannelWhatsApp, ChannelSMS:
		if !phonePattern.MatchString(recipient) {
			return fmt.Errorf("%w: %s recipient must be a phone number, got %q", ErrValidation, channel, recipient)
		}
	case ChannelEmail:
		addr, err := mail.ParseAddress(recipient)
		if err != nil || addr.Address != recipient {
			return fmt.Errorf("%w: email recipient must be a bare address, got %q", ErrValidation, recipient)
		}
	}
	return nil
}

// NormalizePhone strips formatting characters commonly typed into intake forms.
func NormalizePhone(s string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return replacer.Replace(strings.TrimSpace(s))
}
