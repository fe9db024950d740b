package steamauth

import "fmt"

// Status is what the auth oracle reports about a session.
type Status uint8

const (
	StatusOK Status = iota
	StatusUserNotConnectedToSteam
	StatusNoLicenseOrExpired
	StatusVACBanned
	StatusLoggedInElseWhere
	StatusVACCheckTimedOut
	StatusAuthTicketCanceled
	StatusAuthTicketInvalidAlreadyUsed
	StatusAuthTicketInvalid
	StatusPublisherIssuedBan
)

var statusNames = [...]string{
	StatusOK:                           "OK",
	StatusUserNotConnectedToSteam:      "UserNotConnectedToSteam",
	StatusNoLicenseOrExpired:           "NoLicenseOrExpired",
	StatusVACBanned:                    "VACBanned",
	StatusLoggedInElseWhere:            "LoggedInElseWhere",
	StatusVACCheckTimedOut:             "VACCheckTimedOut",
	StatusAuthTicketCanceled:           "AuthTicketCanceled",
	StatusAuthTicketInvalidAlreadyUsed: "AuthTicketInvalidAlreadyUsed",
	StatusAuthTicketInvalid:            "AuthTicketInvalid",
	StatusPublisherIssuedBan:           "PublisherIssuedBan",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}
