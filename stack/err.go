package stack

import "strconv"

// Err is the engine status code. The numbering follows lwIP's err_t so
// codes read the same in logs on either side of the bridge.
type Err int8

const (
	ErrOK         Err = 0   // no error
	ErrMem        Err = -1  // out of memory
	ErrBuf        Err = -2  // buffer error
	ErrTimeout    Err = -3  // timeout
	ErrRte        Err = -4  // routing problem
	ErrInProgress Err = -5  // operation in progress
	ErrVal        Err = -6  // illegal value
	ErrWouldBlock Err = -7  // operation would block
	ErrUse        Err = -8  // address in use
	ErrAlready    Err = -9  // already connecting
	ErrIsConn     Err = -10 // connection already established
	ErrConn       Err = -11 // not connected
	ErrIf         Err = -12 // low-level netif error
	ErrAbrt       Err = -13 // connection aborted
	ErrRst        Err = -14 // connection reset
	ErrClsd       Err = -15 // connection closed
	ErrArg        Err = -16 // illegal argument
)

var errNames = [...]string{
	"ERR_OK",
	"ERR_MEM",
	"ERR_BUF",
	"ERR_TIMEOUT",
	"ERR_RTE",
	"ERR_INPROGRESS",
	"ERR_VAL",
	"ERR_WOULDBLOCK",
	"ERR_USE",
	"ERR_ALREADY",
	"ERR_ISCONN",
	"ERR_CONN",
	"ERR_IF",
	"ERR_ABRT",
	"ERR_RST",
	"ERR_CLSD",
	"ERR_ARG",
}

var errText = [...]string{
	"ok",
	"out of memory",
	"buffer error",
	"timeout",
	"routing problem",
	"operation in progress",
	"illegal value",
	"operation would block",
	"address in use",
	"already connecting",
	"already connected",
	"not connected",
	"low-level netif error",
	"connection aborted",
	"connection reset",
	"connection closed",
	"illegal argument",
}

// String returns the symbolic name, e.g. "ERR_USE".
func (e Err) String() string {
	if i := -int(e); i >= 0 && i < len(errNames) {
		return errNames[i]
	}
	return "ERR(" + strconv.Itoa(int(e)) + ")"
}

// Error implements error so a status can travel as an error cause.
func (e Err) Error() string {
	if i := -int(e); i >= 0 && i < len(errText) {
		return errText[i] + " (" + errNames[i] + ")"
	}
	return "unknown error " + strconv.Itoa(int(e))
}

// Code returns the numeric status.
func (e Err) Code() int { return int(e) }

// OK reports whether e is ErrOK.
func (e Err) OK() bool { return e == ErrOK }

// Fatal reports whether the status means the pcb is gone.
func (e Err) Fatal() bool {
	return e == ErrAbrt || e == ErrRst || e == ErrClsd
}
