package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const joinScheme = "quizbuzzer"

var ErrBadJoinLink = errors.New("bad join link")

// JoinLink encodes what a mobile needs to reach one host.
func JoinLink(relayURL, hostID string) string {
	q := url.Values{}
	q.Set("relay", relayURL)
	q.Set("host", hostID)
	return joinScheme + "://join?" + q.Encode()
}

// ParseJoinLink is the inverse of JoinLink.
func ParseJoinLink(raw string) (relayURL, hostID string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadJoinLink, err)
	}
	if u.Scheme != joinScheme || u.Host != "join" {
		return "", "", fmt.Errorf("%w: %q", ErrBadJoinLink, raw)
	}
	q := u.Query()
	relayURL, hostID = q.Get("relay"), q.Get("host")
	if relayURL == "" || hostID == "" {
		return "", "", fmt.Errorf("%w: relay and host are required", ErrBadJoinLink)
	}
	return relayURL, hostID, nil
}
