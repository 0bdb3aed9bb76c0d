package terminal

// Server return codes for trade requests. The bridge forwards these verbatim
// from the trading terminal.
const (
	RetcodeRequote        = 10004
	RetcodeReject         = 10006
	RetcodeDone           = 10009
	RetcodeInvalidStops   = 10016
	RetcodeMarketClosed   = 10018
	RetcodeNoMoney        = 10019
	RetcodeInvalidTicket  = 10013
	RetcodeNoChanges      = 10025
	RetcodeConnection     = 10031
	RetcodePositionClosed = 10036
)

// RetcodeText maps the codes above to short diagnostic strings for logs.
func RetcodeText(code int) string {
	switch code {
	case RetcodeDone:
		return "done"
	case RetcodeRequote:
		return "requote"
	case RetcodeReject:
		return "rejected by dealer"
	case RetcodeInvalidStops:
		return "invalid stops"
	case RetcodeMarketClosed:
		return "market closed"
	case RetcodeNoMoney:
		return "not enough money"
	case RetcodeInvalidTicket:
		return "invalid ticket"
	case RetcodeNoChanges:
		return "no changes"
	case RetcodeConnection:
		return "no connection to trade server"
	case RetcodePositionClosed:
		return "position already closed"
	default:
		return "unknown retcode"
	}
}
