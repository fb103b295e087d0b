package main

import (
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

const inviteQRSize = 256

// inviteURL is the link a player follows to join a session.
func inviteURL(publicURL, sessionID string) string {
	q := url.Values{"session": {sessionID}}
	return strings.TrimRight(publicURL, "/") + "/?" + q.Encode()
}

// inviteQR renders the invite link of a session as a PNG.
func inviteQR(publicURL, sessionID string) ([]byte, error) {
	return qrcode.Encode(inviteURL(publicURL, sessionID), qrcode.Medium, inviteQRSize)
}
