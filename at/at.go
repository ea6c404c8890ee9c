package at

import "time"

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg    = "+CMTI:"
	UrcCallerID  = "+CLIP:"
	UrcRegStatus = "+CREG:"
	UrcMsgReport = "+CDSI:"
	UrcCall      = "RING"
)

// Initialization sequence commands. A modem must accept all of them, in
// order, before it is considered usable.
const (
	CmdReset         = "ATZ"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=1"
	CmdRegNotify     = "AT+CREG=1"
	CmdCallerID      = "AT+CLIP=1"
	CmdSetTextMode   = "AT+CMGF=1"
	CmdSMSNotify     = "AT+CNMI=2,2,0,0,0"
)

// Status and operation commands.
const (
	CmdSignalQuality = "AT+CSQ"
	CmdRegQuery      = "AT+CREG?"
	CmdOwnNumber     = "AT+CNUM"
	CmdAnswer        = "ATA"
	CmdHangup        = "ATH"
	CmdListUnread    = `AT+CMGL="REC UNREAD"`
)

// Timeouts. Dialing and the SMS body exchange wait on the radio network
// and need far more headroom than a local query.
const (
	DefaultTimeout = 5 * time.Second
	DialTimeout    = 30 * time.Second
	SendTimeout    = 30 * time.Second
)

// SignalUnknown maps the +CSQ sentinel value 99 to our representation.
const SignalUnknown = -1

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)
