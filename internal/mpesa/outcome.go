package mpesa

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Outcome is the provider-independent result of a push payment.
type Outcome int

const (
	// OutcomePending means the provider has not reached a final answer yet.
	OutcomePending Outcome = iota
	// OutcomeSucceeded means the payer approved and the charge went through.
	OutcomeSucceeded
	// OutcomeFailed means the payment will never complete (cancelled, timed out, declined).
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Result codes the STK query reports for payments that ended without a charge.
var queryFailureCodes = map[string]struct{}{
	"1":    {}, // insufficient balance
	"1019": {}, // transaction expired
	"1032": {}, // cancelled by user
	"1037": {}, // DS timeout, user unreachable
	"2001": {}, // wrong PIN / initiator information invalid
}

// OutcomeFromQueryCode maps an STK query ResultCode to an Outcome.
// Codes outside the known set stay pending so a later poll or callback can settle them.
func OutcomeFromQueryCode(code string) Outcome {
	code = strings.TrimSpace(code)
	if code == "0" {
		return OutcomeSucceeded
	}
	if _, ok := queryFailureCodes[code]; ok {
		return OutcomeFailed
	}
	return OutcomePending
}

// OutcomeFromCallbackCode maps a callback ResultCode to an Outcome.
// Callbacks are final: anything other than 0 is a failure.
func OutcomeFromCallbackCode(code int) Outcome {
	if code == 0 {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}

// flexString decodes a value that Daraja sends either as a JSON number or a string (ResultCode, expires_in).
type flexString string

func (c *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = flexString(n.String())
	return nil
}

func (c flexString) Int() (int, bool) {
	n, err := strconv.Atoi(string(c))
	return n, err == nil
}
