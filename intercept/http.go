package intercept

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/wasmrr/wasmrr/playback"
	"github.com/wasmrr/wasmrr/recorder"
	"github.com/wasmrr/wasmrr/trace"
	"github.com/wasmrr/wasmrr/wasi/preview2"
)

// OutgoingHandlerNamespace is the WASI HTTP outgoing handler namespace.
const OutgoingHandlerNamespace = "wasi:http/outgoing-handler@0.2.8"

// Local resource type tags for the record/replay outgoing-handler
// resources; values only need to be distinct within this table.
const (
	resourceTypeOutgoingRequest        = preview2.ResourceType(210)
	resourceTypeRequestBody            = preview2.ResourceType(211)
	resourceTypeFutureIncomingResponse = preview2.ResourceType(212)
	resourceTypeIncomingResponse       = preview2.ResourceType(213)
)

type outgoingRequestResource struct {
	url     *url.URL
	headers map[string][]string
	body    *bytes.Buffer
	method  string
}

func (r *outgoingRequestResource) Type() preview2.ResourceType { return resourceTypeOutgoingRequest }
func (r *outgoingRequestResource) Drop()                       {}

type requestBodyResource struct {
	buffer *bytes.Buffer
}

func (b *requestBodyResource) Type() preview2.ResourceType { return resourceTypeRequestBody }
func (b *requestBodyResource) Drop()                       {}

// sortedHeaderPairs returns headers as a deterministic, order-independent
// list for trace diagnostics. This canonicalizes the *recording* of a
// request for diffability; it has no bearing on replay, which never
// compares request fields against the live call (positional matching
// only).
func sortedHeaderPairs(headers map[string][]string) []trace.Pair {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []trace.Pair
	for _, k := range keys {
		for _, v := range headers[k] {
			out = append(out, trace.Pair{Name: k, Value: v})
		}
	}
	return out
}

func fieldsToHeaders(fields *preview2.FieldsResource) map[string][]string {
	headers := make(map[string][]string)
	if fields == nil {
		return headers
	}
	for k, v := range fields.Values() {
		headers[k] = append([]string{}, v...)
	}
	return headers
}

// --- Record side -----------------------------------------------------

// RecordOutgoingHandlerHost performs the real outgoing HTTP round trip and
// logs one HTTPResponse event per completed request.
type RecordOutgoingHandlerHost struct {
	resources *preview2.ResourceTable
	client    *http.Client
	log       *recorder.Log
}

func NewRecordOutgoingHandlerHost(res *preview2.ResourceTable, log *recorder.Log) *RecordOutgoingHandlerHost {
	return &RecordOutgoingHandlerHost{
		resources: res,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
	}
}

func (h *RecordOutgoingHandlerHost) Namespace() string { return OutgoingHandlerNamespace }

func (h *RecordOutgoingHandlerHost) ConstructorOutgoingRequest(_ context.Context, headersHandle uint32) uint32 {
	var fields *preview2.FieldsResource
	if r, ok := h.resources.Get(headersHandle); ok {
		fields, _ = r.(*preview2.FieldsResource)
	}
	req := &outgoingRequestResource{
		method:  "GET",
		url:     &url.URL{Scheme: "http"},
		headers: fieldsToHeaders(fields),
		body:    &bytes.Buffer{},
	}
	return h.resources.Add(req)
}

func (h *RecordOutgoingHandlerHost) getRequest(self uint32) (*outgoingRequestResource, bool) {
	r, ok := h.resources.Get(self)
	if !ok {
		return nil, false
	}
	req, ok := r.(*outgoingRequestResource)
	return req, ok
}

func (h *RecordOutgoingHandlerHost) MethodOutgoingRequestSetMethod(_ context.Context, self uint32, method string) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return 1
	}
	req.method = method
	return 0
}

func (h *RecordOutgoingHandlerHost) MethodOutgoingRequestSetPathWithQuery(_ context.Context, self uint32, hasPath bool, path string) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return 1
	}
	if hasPath {
		req.url.Path = path
	}
	return 0
}

func (h *RecordOutgoingHandlerHost) MethodOutgoingRequestSetScheme(_ context.Context, self uint32, hasScheme bool, scheme uint8) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return 1
	}
	if hasScheme {
		if scheme == 1 {
			req.url.Scheme = "https"
		} else {
			req.url.Scheme = "http"
		}
	}
	return 0
}

func (h *RecordOutgoingHandlerHost) MethodOutgoingRequestSetAuthority(_ context.Context, self uint32, hasAuth bool, authority string) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return 1
	}
	if hasAuth {
		req.url.Host = authority
	}
	return 0
}

func (h *RecordOutgoingHandlerHost) MethodOutgoingRequestHeaders(_ context.Context, self uint32) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return h.resources.Add(preview2.NewFieldsResource())
	}
	fields := preview2.NewFieldsResource()
	for k, vs := range req.headers {
		for _, v := range vs {
			fields.Append(k, v)
		}
	}
	return h.resources.Add(fields)
}

func (h *RecordOutgoingHandlerHost) MethodOutgoingRequestBody(_ context.Context, self uint32) (uint32, uint32) {
	req, ok := h.getRequest(self)
	if !ok {
		return 0, 1
	}
	body := &requestBodyResource{buffer: req.body}
	return h.resources.Add(body), 0
}

func (h *RecordOutgoingHandlerHost) ResourceDropOutgoingRequest(_ context.Context, self uint32) {
	h.resources.Remove(self)
}

func (h *RecordOutgoingHandlerHost) MethodRequestBodyWrite(_ context.Context, self uint32) (uint32, uint32) {
	r, ok := h.resources.Get(self)
	if !ok {
		return 0, 1
	}
	body, ok := r.(*requestBodyResource)
	if !ok {
		return 0, 1
	}
	stream := preview2.NewOutputStreamResource(body.buffer)
	return h.resources.Add(stream), 0
}

type futureIncomingResponseResource struct {
	err      error
	response *http.Response
	body     []byte
	mu       sync.Mutex
	ready    bool
}

func (f *futureIncomingResponseResource) Type() preview2.ResourceType {
	return resourceTypeFutureIncomingResponse
}
func (f *futureIncomingResponseResource) Drop() {
	if f.response != nil && f.response.Body != nil {
		f.response.Body.Close()
	}
}

// Handle performs the real round trip and, once the response lands,
// appends one HTTPResponse event capturing request and response shape.
func (h *RecordOutgoingHandlerHost) Handle(ctx context.Context, requestHandle uint32, _ bool, _ uint32) (uint32, uint32) {
	req, ok := h.getRequest(requestHandle)
	if !ok {
		return 0, 1
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url.String(), bytes.NewReader(req.body.Bytes()))
	if err != nil {
		future := &futureIncomingResponseResource{err: err, ready: true}
		return h.resources.Add(future), 0
	}
	for k, v := range req.headers {
		for _, val := range v {
			httpReq.Header.Add(k, val)
		}
	}

	future := &futureIncomingResponseResource{}
	futureHandle := h.resources.Add(future)

	reqMethod, reqURL, reqHeaders := req.method, req.url.String(), sortedHeaderPairs(req.headers)

	go func() {
		resp, err := h.client.Do(httpReq)
		if err != nil {
			future.mu.Lock()
			future.err = err
			future.ready = true
			future.mu.Unlock()
			return
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		future.mu.Lock()
		defer future.mu.Unlock()
		if readErr != nil {
			future.err = readErr
			future.ready = true
			return
		}
		future.response = resp
		future.body = body
		future.ready = true

		h.log.Append(trace.HTTPResponse{
			RequestMethod:  reqMethod,
			RequestURL:     reqURL,
			RequestHeaders: reqHeaders,
			Status:         uint16(resp.StatusCode),
			Headers:        headerToPairs(resp.Header),
			Body:           body,
		})
	}()

	return futureHandle, 0
}

func headerToPairs(h http.Header) []trace.Pair {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []trace.Pair
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, trace.Pair{Name: k, Value: v})
		}
	}
	return out
}

func (h *RecordOutgoingHandlerHost) MethodFutureIncomingResponseSubscribe(_ context.Context, self uint32) uint32 {
	pollable := &preview2.PollableResource{}
	if r, ok := h.resources.Get(self); ok {
		if future, ok := r.(*futureIncomingResponseResource); ok {
			future.mu.Lock()
			pollable.SetReady(future.ready)
			future.mu.Unlock()
		}
	}
	return h.resources.Add(pollable)
}

func (h *RecordOutgoingHandlerHost) MethodFutureIncomingResponseGet(_ context.Context, self uint32) (uint32, bool, uint32) {
	r, ok := h.resources.Get(self)
	if !ok {
		return 0, false, 0
	}
	future, ok := r.(*futureIncomingResponseResource)
	if !ok {
		return 0, false, 0
	}
	future.mu.Lock()
	defer future.mu.Unlock()
	if !future.ready {
		return 0, false, 0
	}
	if future.err != nil {
		return 0, true, 1
	}
	resp := &incomingResponseResource{
		statusCode: uint16(future.response.StatusCode),
		headers:    future.response.Header,
		body:       future.body,
	}
	return h.resources.Add(resp), true, 0
}

func (h *RecordOutgoingHandlerHost) ResourceDropFutureIncomingResponse(_ context.Context, self uint32) {
	if r, ok := h.resources.Get(self); ok {
		if future, ok := r.(*futureIncomingResponseResource); ok {
			future.Drop()
		}
	}
	h.resources.Remove(self)
}

type incomingResponseResource struct {
	headers    map[string][]string
	body       []byte
	statusCode uint16
}

func (r *incomingResponseResource) Type() preview2.ResourceType { return resourceTypeIncomingResponse }
func (r *incomingResponseResource) Drop()                       {}

func (h *RecordOutgoingHandlerHost) MethodIncomingResponseStatus(_ context.Context, self uint32) uint16 {
	r, ok := h.resources.Get(self)
	if !ok {
		return 0
	}
	resp, ok := r.(*incomingResponseResource)
	if !ok {
		return 0
	}
	return resp.statusCode
}

func (h *RecordOutgoingHandlerHost) MethodIncomingResponseHeaders(_ context.Context, self uint32) uint32 {
	r, ok := h.resources.Get(self)
	if !ok {
		return h.resources.Add(preview2.NewFieldsResource())
	}
	resp, ok := r.(*incomingResponseResource)
	if !ok {
		return h.resources.Add(preview2.NewFieldsResource())
	}
	fields := preview2.NewFieldsResource()
	for k, vs := range resp.headers {
		for _, v := range vs {
			fields.Append(k, v)
		}
	}
	return h.resources.Add(fields)
}

func (h *RecordOutgoingHandlerHost) MethodIncomingResponseConsume(_ context.Context, self uint32) (uint32, uint32) {
	r, ok := h.resources.Get(self)
	if !ok {
		return 0, 1
	}
	resp, ok := r.(*incomingResponseResource)
	if !ok {
		return 0, 1
	}
	return h.resources.Add(preview2.NewInputStreamResource(resp.body)), 0
}

func (h *RecordOutgoingHandlerHost) ResourceDropIncomingResponse(_ context.Context, self uint32) {
	h.resources.Remove(self)
}

// Register implements runtime.ExplicitRegistrar: the WIT resource-method
// names (e.g. "[constructor]outgoing-request") don't follow the
// PascalCase-to-kebab-case convention the reflection fallback assumes.
func (h *RecordOutgoingHandlerHost) Register() map[string]any {
	return map[string]any{
		"handle": h.Handle,
		"[constructor]outgoing-request":                h.ConstructorOutgoingRequest,
		"[method]outgoing-request.set-method":          h.MethodOutgoingRequestSetMethod,
		"[method]outgoing-request.set-path-with-query": h.MethodOutgoingRequestSetPathWithQuery,
		"[method]outgoing-request.set-scheme":          h.MethodOutgoingRequestSetScheme,
		"[method]outgoing-request.set-authority":       h.MethodOutgoingRequestSetAuthority,
		"[method]outgoing-request.headers":             h.MethodOutgoingRequestHeaders,
		"[method]outgoing-request.body":                h.MethodOutgoingRequestBody,
		"[resource-drop]outgoing-request":              h.ResourceDropOutgoingRequest,
		"[method]request-body.write":                    h.MethodRequestBodyWrite,
		"[method]future-incoming-response.subscribe": h.MethodFutureIncomingResponseSubscribe,
		"[method]future-incoming-response.get":       h.MethodFutureIncomingResponseGet,
		"[resource-drop]future-incoming-response":    h.ResourceDropFutureIncomingResponse,
		"[method]incoming-response.status":  h.MethodIncomingResponseStatus,
		"[method]incoming-response.headers": h.MethodIncomingResponseHeaders,
		"[method]incoming-response.consume": h.MethodIncomingResponseConsume,
		"[resource-drop]incoming-response":  h.ResourceDropIncomingResponse,
	}
}

// --- Replay side -------------------------------------------------------

// ReplayOutgoingHandlerHost never touches the network: Handle immediately
// marks its future ready, and the next HTTPResponse event in the trace is
// consumed and synthesized as the response the moment the guest asks for
// it via future-incoming-response.get. Request construction methods are
// identical to the record side's bookkeeping (the guest still needs a
// working outgoing-request/headers/body object model), since only the
// network round trip itself is replaced.
type ReplayOutgoingHandlerHost struct {
	resources        *preview2.ResourceTable
	cursor           *playback.Cursor
	pendingResponses *pendingResponseMap
}

func NewReplayOutgoingHandlerHost(res *preview2.ResourceTable, cursor *playback.Cursor) *ReplayOutgoingHandlerHost {
	return &ReplayOutgoingHandlerHost{
		resources:        res,
		cursor:           cursor,
		pendingResponses: newPendingResponseMap(),
	}
}

// pendingResponseMap holds a synthesized incomingResponseResource between
// Handle (which consumes the trace event) and the matching
// future-incoming-response.get call (which hands the resource to the
// guest), keyed by the future's handle.
type pendingResponseMap struct {
	mu   sync.Mutex
	data map[uint32]*incomingResponseResource
}

func newPendingResponseMap() *pendingResponseMap {
	return &pendingResponseMap{data: make(map[uint32]*incomingResponseResource)}
}

func (m *pendingResponseMap) store(handle uint32, resp *incomingResponseResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[handle] = resp
}

func (m *pendingResponseMap) take(handle uint32) (*incomingResponseResource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.data[handle]
	if ok {
		delete(m.data, handle)
	}
	return resp, ok
}

func (h *ReplayOutgoingHandlerHost) Namespace() string { return OutgoingHandlerNamespace }

func (h *ReplayOutgoingHandlerHost) ConstructorOutgoingRequest(_ context.Context, headersHandle uint32) uint32 {
	var fields *preview2.FieldsResource
	if r, ok := h.resources.Get(headersHandle); ok {
		fields, _ = r.(*preview2.FieldsResource)
	}
	req := &outgoingRequestResource{
		method:  "GET",
		url:     &url.URL{Scheme: "http"},
		headers: fieldsToHeaders(fields),
		body:    &bytes.Buffer{},
	}
	return h.resources.Add(req)
}

func (h *ReplayOutgoingHandlerHost) getRequest(self uint32) (*outgoingRequestResource, bool) {
	r, ok := h.resources.Get(self)
	if !ok {
		return nil, false
	}
	req, ok := r.(*outgoingRequestResource)
	return req, ok
}

func (h *ReplayOutgoingHandlerHost) MethodOutgoingRequestSetMethod(_ context.Context, self uint32, method string) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return 1
	}
	req.method = method
	return 0
}

func (h *ReplayOutgoingHandlerHost) MethodOutgoingRequestSetPathWithQuery(_ context.Context, self uint32, hasPath bool, path string) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return 1
	}
	if hasPath {
		req.url.Path = path
	}
	return 0
}

func (h *ReplayOutgoingHandlerHost) MethodOutgoingRequestSetScheme(_ context.Context, self uint32, hasScheme bool, scheme uint8) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return 1
	}
	if hasScheme {
		if scheme == 1 {
			req.url.Scheme = "https"
		} else {
			req.url.Scheme = "http"
		}
	}
	return 0
}

func (h *ReplayOutgoingHandlerHost) MethodOutgoingRequestSetAuthority(_ context.Context, self uint32, hasAuth bool, authority string) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return 1
	}
	if hasAuth {
		req.url.Host = authority
	}
	return 0
}

func (h *ReplayOutgoingHandlerHost) MethodOutgoingRequestHeaders(_ context.Context, self uint32) uint32 {
	req, ok := h.getRequest(self)
	if !ok {
		return h.resources.Add(preview2.NewFieldsResource())
	}
	fields := preview2.NewFieldsResource()
	for k, vs := range req.headers {
		for _, v := range vs {
			fields.Append(k, v)
		}
	}
	return h.resources.Add(fields)
}

func (h *ReplayOutgoingHandlerHost) MethodOutgoingRequestBody(_ context.Context, self uint32) (uint32, uint32) {
	req, ok := h.getRequest(self)
	if !ok {
		return 0, 1
	}
	body := &requestBodyResource{buffer: req.body}
	return h.resources.Add(body), 0
}

func (h *ReplayOutgoingHandlerHost) ResourceDropOutgoingRequest(_ context.Context, self uint32) {
	h.resources.Remove(self)
}

func (h *ReplayOutgoingHandlerHost) MethodRequestBodyWrite(_ context.Context, self uint32) (uint32, uint32) {
	r, ok := h.resources.Get(self)
	if !ok {
		return 0, 1
	}
	body, ok := r.(*requestBodyResource)
	if !ok {
		return 0, 1
	}
	stream := preview2.NewOutputStreamResource(body.buffer)
	return h.resources.Add(stream), 0
}

// Handle consumes the next HTTPResponse event immediately and stores it
// on an already-ready future; no network call, no goroutine.
func (h *ReplayOutgoingHandlerHost) Handle(_ context.Context, requestHandle uint32, _ bool, _ uint32) (uint32, uint32) {
	e, err := h.cursor.Next(OutgoingHandlerNamespace, "http_response")
	if err != nil {
		panic(err)
	}
	ev := e.(trace.HTTPResponse)
	resp := &incomingResponseResource{
		statusCode: ev.Status,
		headers:    pairsToHeaders(ev.Headers),
		body:       ev.Body,
	}
	future := &futureIncomingResponseResource{ready: true}
	futureHandle := h.resources.Add(future)
	h.pendingResponses.store(futureHandle, resp)
	return futureHandle, 0
}

func pairsToHeaders(pairs []trace.Pair) map[string][]string {
	headers := make(map[string][]string)
	for _, p := range pairs {
		headers[p.Name] = append(headers[p.Name], p.Value)
	}
	return headers
}

func (h *ReplayOutgoingHandlerHost) MethodFutureIncomingResponseSubscribe(_ context.Context, self uint32) uint32 {
	pollable := &preview2.PollableResource{}
	pollable.SetReady(true)
	return h.resources.Add(pollable)
}

func (h *ReplayOutgoingHandlerHost) MethodFutureIncomingResponseGet(_ context.Context, self uint32) (uint32, bool, uint32) {
	resp, ok := h.pendingResponses.take(self)
	if !ok {
		return 0, false, 0
	}
	return h.resources.Add(resp), true, 0
}

func (h *ReplayOutgoingHandlerHost) ResourceDropFutureIncomingResponse(_ context.Context, self uint32) {
	h.resources.Remove(self)
}

func (h *ReplayOutgoingHandlerHost) MethodIncomingResponseStatus(_ context.Context, self uint32) uint16 {
	r, ok := h.resources.Get(self)
	if !ok {
		return 0
	}
	resp, ok := r.(*incomingResponseResource)
	if !ok {
		return 0
	}
	return resp.statusCode
}

func (h *ReplayOutgoingHandlerHost) MethodIncomingResponseHeaders(_ context.Context, self uint32) uint32 {
	r, ok := h.resources.Get(self)
	if !ok {
		return h.resources.Add(preview2.NewFieldsResource())
	}
	resp, ok := r.(*incomingResponseResource)
	if !ok {
		return h.resources.Add(preview2.NewFieldsResource())
	}
	fields := preview2.NewFieldsResource()
	for k, vs := range resp.headers {
		for _, v := range vs {
			fields.Append(k, v)
		}
	}
	return h.resources.Add(fields)
}

func (h *ReplayOutgoingHandlerHost) MethodIncomingResponseConsume(_ context.Context, self uint32) (uint32, uint32) {
	r, ok := h.resources.Get(self)
	if !ok {
		return 0, 1
	}
	resp, ok := r.(*incomingResponseResource)
	if !ok {
		return 0, 1
	}
	return h.resources.Add(preview2.NewInputStreamResource(resp.body)), 0
}

func (h *ReplayOutgoingHandlerHost) ResourceDropIncomingResponse(_ context.Context, self uint32) {
	h.resources.Remove(self)
}

func (h *ReplayOutgoingHandlerHost) Register() map[string]any {
	return map[string]any{
		"handle": h.Handle,
		"[constructor]outgoing-request":                h.ConstructorOutgoingRequest,
		"[method]outgoing-request.set-method":          h.MethodOutgoingRequestSetMethod,
		"[method]outgoing-request.set-path-with-query": h.MethodOutgoingRequestSetPathWithQuery,
		"[method]outgoing-request.set-scheme":          h.MethodOutgoingRequestSetScheme,
		"[method]outgoing-request.set-authority":       h.MethodOutgoingRequestSetAuthority,
		"[method]outgoing-request.headers":             h.MethodOutgoingRequestHeaders,
		"[method]outgoing-request.body":                h.MethodOutgoingRequestBody,
		"[resource-drop]outgoing-request":              h.ResourceDropOutgoingRequest,
		"[method]request-body.write":                    h.MethodRequestBodyWrite,
		"[method]future-incoming-response.subscribe": h.MethodFutureIncomingResponseSubscribe,
		"[method]future-incoming-response.get":       h.MethodFutureIncomingResponseGet,
		"[resource-drop]future-incoming-response":    h.ResourceDropFutureIncomingResponse,
		"[method]incoming-response.status":  h.MethodIncomingResponseStatus,
		"[method]incoming-response.headers": h.MethodIncomingResponseHeaders,
		"[method]incoming-response.consume": h.MethodIncomingResponseConsume,
		"[resource-drop]incoming-response":  h.ResourceDropIncomingResponse,
	}
}
