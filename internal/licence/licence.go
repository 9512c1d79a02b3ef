// Package licence implements the signed licence document model: the XML
// file format, the bit-exact canonical form the signer hashes, RSA
// signature verification and loading licence folders from disk.
package licence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Licence file element names. The root is Licence1; the remaining
// names are the children in document order.
const (
	RootElement = "Licence1"

	elemCompany   = "Company"
	elemProduct   = "Product"
	elemCustomer  = "Customer"
	elemReference = "Reference"
	elemReseller  = "Reseller"
	elemSeats     = "NumberOfSeats"
	elemStart     = "StartDate"
	elemExpiry    = "ExpiryDate"
	elemTimeStamp = "TimeStamp"
	elemCode      = "Code"
	elemComments  = "Comments"
)

// DateLayout is the licence date format, e.g. "04/Sep/2014". Dates have
// no time component and use English month abbreviations.
const DateLayout = "02/Jan/2006"

// FileExtension is the extension of signed licence files.
const FileExtension = ".nls1"

// Licence is an immutable signed document authorising a number of
// concurrent seats of one product over an optional date window.
type Licence struct {
	ID        int64 // surrogate, assigned by the store; zero before insert
	Company   string
	Product   string
	Customer  string
	Reference string
	Reseller  string
	Seats     int
	StartDate string // DD/Mon/YYYY, empty when open-ended
	Expiry    string // DD/Mon/YYYY, empty for perpetual licences
	TimeStamp int64  // unique across all licences; stable external identity
	Code      string // base64 RSA signature over the canonical form
	Version   int
	Notes     string
}

// IsPerpetual reports whether the licence has no expiry date.
func (l *Licence) IsPerpetual() bool { return l.Expiry == "" }

// ParseDate parses a licence date. The empty string is not a valid date.
func ParseDate(v string) (time.Time, error) {
	return time.Parse(DateLayout, v)
}

// InDateWindow reports whether now falls inside the licence's date
// window with day-granular comparison: after the start date (when set)
// and before the expiry date (when set). Malformed dates close the
// window.
func (l *Licence) InDateWindow(now time.Time) bool {
	if l.StartDate != "" {
		start, err := ParseDate(l.StartDate)
		if err != nil || !now.After(start) {
			return false
		}
	}
	if l.Expiry != "" {
		expiry, err := ParseDate(l.Expiry)
		if err != nil || !now.Before(expiry) {
			return false
		}
	}
	return true
}

// FromDocument extracts a Licence from a parsed document tree.
func FromDocument(doc *Node) (*Licence, error) {
	if doc.Tag != RootElement {
		return nil, fmt.Errorf("unexpected root element %q", doc.Tag)
	}
	product := strings.TrimSpace(doc.FindText(elemProduct))
	if product == "" {
		return nil, fmt.Errorf("licence has no product")
	}
	tsText := strings.TrimSpace(doc.FindText(elemTimeStamp))
	ts, err := strconv.ParseInt(tsText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", tsText, err)
	}
	seatsText := strings.TrimSpace(doc.FindText(elemSeats))
	seats, err := strconv.Atoi(seatsText)
	if err != nil || seats < 0 {
		return nil, fmt.Errorf("invalid number of seats %q", seatsText)
	}
	return &Licence{
		Company:   doc.FindText(elemCompany),
		Product:   product,
		Customer:  doc.FindText(elemCustomer),
		Reference: doc.FindText(elemReference),
		Reseller:  doc.FindText(elemReseller),
		Seats:     seats,
		StartDate: strings.TrimSpace(doc.FindText(elemStart)),
		Expiry:    strings.TrimSpace(doc.FindText(elemExpiry)),
		TimeStamp: ts,
		Code:      doc.FindText(elemCode),
		Version:   1,
		Notes:     doc.FindText(elemComments),
	}, nil
}

// ToDocument rebuilds the canonical document tree from licence fields,
// used to re-verify rows read back from the store. Optional fields
// produce empty elements, matching what the signer serialised.
func (l *Licence) ToDocument() *Node {
	root := &Node{Tag: RootElement}
	add := func(tag, text string) {
		root.Children = append(root.Children, &Node{Tag: tag, Text: text})
	}
	add(elemCompany, l.Company)
	add(elemProduct, l.Product)
	add(elemCustomer, l.Customer)
	add(elemReference, l.Reference)
	add(elemReseller, l.Reseller)
	add(elemSeats, strconv.Itoa(l.Seats))
	add(elemStart, l.StartDate)
	add(elemExpiry, l.Expiry)
	add(elemTimeStamp, strconv.FormatInt(l.TimeStamp, 10))
	add(elemCode, l.Code)
	add(elemComments, l.Notes)
	return root
}
