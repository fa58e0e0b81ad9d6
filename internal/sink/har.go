package sink

import (
	"sort"
	"time"

	"github.com/chromedp/cdproto/har"

	"github.com/webtap/webtap/internal/capture"
)

const harVersion = "1.2"

// ProjectHAR assembles an HTTP Archive from the emitted network stream.
// Each Document transaction opens a page; every transaction that received
// a response becomes an entry referencing the most recent page. The CDP
// requestId travels in the entry comment so the archive can be mapped back
// to the capture.
func ProjectHAR(transactions []capture.NetworkTransactionEvent, browserVersion string) *har.HAR {
	if browserVersion == "" {
		browserVersion = "unknown"
	}

	sorted := make([]capture.NetworkTransactionEvent, len(transactions))
	copy(sorted, transactions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	log := &har.Log{
		Version: harVersion,
		Creator: &har.Creator{Name: "webtap", Version: harVersion},
		Browser: &har.Creator{Name: "chromium", Version: browserVersion},
	}

	pageRef := ""
	for _, txn := range sorted {
		if txn.ResourceType == "Document" {
			pageRef = "page_" + txn.RequestID
			log.Pages = append(log.Pages, &har.Page{
				ID:              pageRef,
				StartedDateTime: startedAt(txn).Format(time.RFC3339Nano),
				Title:           txn.URL,
				PageTimings:     &har.PageTimings{},
			})
		}
		if txn.Status == 0 {
			// Never got a response; not representable as a HAR entry.
			continue
		}
		log.Entries = append(log.Entries, projectEntry(txn, pageRef))
	}

	return &har.HAR{Log: log}
}

func projectEntry(txn capture.NetworkTransactionEvent, pageRef string) *har.Entry {
	request := &har.Request{
		Method:      txn.Method,
		URL:         txn.URL,
		HTTPVersion: "HTTP/1.1",
		Cookies:     []*har.Cookie{},
		Headers:     pairs(txn.RequestHeaders),
		QueryString: []*har.NameValuePair{},
		HeadersSize: -1,
		BodySize:    int64(len(txn.RequestBody)),
	}
	if txn.RequestBody != "" {
		request.PostData = &har.PostData{
			MimeType: txn.RequestHeaders["Content-Type"],
			Text:     txn.RequestBody,
		}
	}

	content := &har.Content{
		Size:     int64(len(txn.ResponseBody)),
		MimeType: txn.MimeType,
		Text:     txn.ResponseBody,
	}
	if txn.BodyBase64 {
		content.Encoding = "base64"
	}

	response := &har.Response{
		Status:      int64(txn.Status),
		HTTPVersion: "HTTP/1.1",
		Cookies:     []*har.Cookie{},
		Headers:     pairs(txn.ResponseHeaders),
		Content:     content,
		RedirectURL: txn.ResponseHeaders["Location"],
		HeadersSize: -1,
		BodySize:    content.Size,
	}

	return &har.Entry{
		Pageref:         pageRef,
		StartedDateTime: startedAt(txn).Format(time.RFC3339Nano),
		Time:            elapsedMillis(txn),
		Request:         request,
		Response:        response,
		Cache:           &har.Cache{},
		Timings:         timings(txn),
		Comment:         txn.RequestID,
	}
}

func pairs(headers map[string]string) []*har.NameValuePair {
	out := make([]*har.NameValuePair, 0, len(headers))
	for name, value := range headers {
		out = append(out, &har.NameValuePair{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func startedAt(txn capture.NetworkTransactionEvent) time.Time {
	if txn.Timing != nil && !txn.Timing.RequestTime.IsZero() {
		return txn.Timing.RequestTime
	}
	return txn.Timestamp
}

func elapsedMillis(txn capture.NetworkTransactionEvent) float64 {
	if txn.Timing == nil || txn.Timing.RequestTime.IsZero() || txn.Timing.EndTime.IsZero() {
		return -1
	}
	return float64(txn.Timing.EndTime.Sub(txn.Timing.RequestTime)) / float64(time.Millisecond)
}

func timings(txn capture.NetworkTransactionEvent) *har.Timings {
	t := &har.Timings{Send: -1, Wait: -1, Receive: -1}
	if txn.Timing == nil {
		return t
	}
	if !txn.Timing.ResponseTime.IsZero() && !txn.Timing.RequestTime.IsZero() {
		t.Wait = float64(txn.Timing.ResponseTime.Sub(txn.Timing.RequestTime)) / float64(time.Millisecond)
	}
	if !txn.Timing.EndTime.IsZero() && !txn.Timing.ResponseTime.IsZero() {
		t.Receive = float64(txn.Timing.EndTime.Sub(txn.Timing.ResponseTime)) / float64(time.Millisecond)
	}
	return t
}
