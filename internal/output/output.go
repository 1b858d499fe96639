// Package output projects a submission's kernel events onto an ordered list
// of rendered output entries that a notebook surface can observe live.
package output

import (
	"encoding/json"
	"sync/atomic"
)

// ErrorMimeType identifies an item carrying an error name and message.
const ErrorMimeType = "application/vnd.code.notebook.error"

// Item is one representation of a displayed value.
type Item struct {
	Mime string `json:"mime"`
	Data []byte `json:"data"`
}

// Entry is one positional slot in a submission's output. ID is assigned when
// the slot first appears and stays fixed while Items are replaced on update.
type Entry struct {
	ID    uint64 `json:"id"`
	Items []Item `json:"items"`
}

// ErrorData is the JSON body of an ErrorMimeType item.
type ErrorData struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// lastID is shared by every projector in the process. Ids are never reused,
// so sorting entries from any number of submissions by ID recovers the order
// in which they were first observed.
var lastID atomic.Uint64

// NextID mints the next process-wide entry id.
func NextID() uint64 {
	return lastID.Add(1)
}

// TextItem builds a plain item from a string value.
func TextItem(mime, value string) Item {
	return Item{Mime: mime, Data: []byte(value)}
}

// ErrorItem builds an error item.
func ErrorItem(name, message string) Item {
	data, err := json.Marshal(ErrorData{Name: name, Message: message})
	if err != nil {
		data = []byte(message)
	}
	return Item{Mime: ErrorMimeType, Data: data}
}

// DecodeError extracts the name and message of an error item.
func (i Item) DecodeError() (ErrorData, bool) {
	if i.Mime != ErrorMimeType {
		return ErrorData{}, false
	}
	var d ErrorData
	if err := json.Unmarshal(i.Data, &d); err != nil {
		return ErrorData{}, false
	}
	return d, true
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	items := make([]Item, len(e.Items))
	for i, it := range e.Items {
		items[i] = Item{Mime: it.Mime, Data: append([]byte(nil), it.Data...)}
	}
	return Entry{ID: e.ID, Items: items}
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
