package notify

import (
	"strconv"
	"strings"

	"schoolops/internal/domain"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelLog      Channel = "log"
)

// Address is one delivery endpoint, written "channel:target".
type Address struct {
	Channel Channel
	To      string
}

func (a Address) String() string { return string(a.Channel) + ":" + a.To }

func ParseAddress(s string) (Address, bool) {
	ch, to, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || to == "" {
		return Address{}, false
	}
	switch Channel(ch) {
	case ChannelEmail, ChannelTelegram, ChannelLog:
		return Address{Channel: Channel(ch), To: to}, true
	}
	return Address{}, false
}

// ContactAddresses lists every address a contact can be reached at.
func ContactAddresses(c domain.Contact) []Address {
	var out []Address
	if e := strings.TrimSpace(c.Email); e != "" {
		out = append(out, Address{Channel: ChannelEmail, To: e})
	}
	if c.TelegramChatID != 0 {
		out = append(out, Address{Channel: ChannelTelegram, To: strconv.FormatInt(c.TelegramChatID, 10)})
	}
	return out
}

type Message struct {
	To      Address
	Name    string
	Subject string
	Body    string
}

// Messages fans one piece of content out to several addresses.
func Messages(c Content, to ...Address) []Message {
	out := make([]Message, 0, len(to))
	for _, a := range to {
		out = append(out, Message{To: a, Subject: c.Subject, Body: c.Body})
	}
	return out
}
