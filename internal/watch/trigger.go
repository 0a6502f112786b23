package watch

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
)

// triggerAPI is the public invoke surface: the direct Lambda invocations
// endpoint, function URL emulation and a catch-all that routes arbitrary
// HTTP requests through the route table.
type triggerAPI struct {
	cfg    *config.ResolvedConfig
	log    *logger.Logger
	router *InvocationRouter
	tracer *Tracer
}

func (t *triggerAPI) mount(r *gin.Engine) {
	r.POST("/2015-03-31/functions/:function/invocations", t.directInvoke)
	r.Any("/lambda-url/:function", t.functionURL)
	r.Any("/lambda-url/:function/*path", t.functionURL)
	r.NoRoute(t.catchAll)
}

// directInvoke handles the Lambda Invoke API shape: the body is passed to
// the function verbatim and the function's payload comes back verbatim.
func (t *triggerAPI) directInvoke(c *gin.Context) {
	name := c.Param("function")
	payload, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}

	ctx, span, header := t.tracer.StartInvocation(c.Request.Context(), name)
	defer span.End()

	res, err := t.router.Invoke(ctx, name, payload, header)
	if err != nil {
		t.writeError(c, err)
		return
	}

	if res.FunctionError {
		c.Header("X-Amz-Function-Error", "Unhandled")
	}
	c.Data(http.StatusOK, "application/json", res.Payload)
}

// functionURL emulates Lambda function URLs: the HTTP request is wrapped
// in an API Gateway V2 proxy event addressed to the named function.
func (t *triggerAPI) functionURL(c *gin.Context) {
	name := c.Param("function")
	path := c.Param("path")
	if path == "" {
		path = "/"
	}
	t.proxyInvoke(c, name, path, nil)
}

// catchAll routes any other request through the route table, falling back
// to the single default function when no routes are declared.
func (t *triggerAPI) catchAll(c *gin.Context) {
	name, params, err := t.router.Resolve("", c.Request.URL.Path, c.Request.Method)
	if err != nil {
		t.writeError(c, err)
		return
	}
	t.proxyInvoke(c, name, c.Request.URL.Path, params)
}

func (t *triggerAPI) proxyInvoke(c *gin.Context, name, path string, pathParams map[string]string) {
	event, err := t.buildProxyEvent(c, path, pathParams)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx, span, header := t.tracer.StartInvocation(c.Request.Context(), name)
	defer span.End()

	res, err := t.router.Invoke(ctx, name, payload, header)
	if err != nil {
		t.writeError(c, err)
		return
	}
	if res.FunctionError {
		c.Data(http.StatusInternalServerError, "application/json", res.Payload)
		return
	}
	t.writeProxyResponse(c, res.Payload)
}

// buildProxyEvent wraps the incoming request in the API Gateway V2 HTTP
// event shape that function URL handlers expect.
func (t *triggerAPI) buildProxyEvent(c *gin.Context, path string, pathParams map[string]string) (*events.APIGatewayV2HTTPRequest, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(c.Request.Header))
	var cookies []string
	for k, vs := range c.Request.Header {
		if strings.EqualFold(k, "Cookie") {
			cookies = append(cookies, vs...)
			continue
		}
		headers[strings.ToLower(k)] = strings.Join(vs, ",")
	}

	query := make(map[string]string)
	for k, vs := range c.Request.URL.Query() {
		query[k] = strings.Join(vs, ",")
	}

	isBase64 := !isTextPayload(c.ContentType())
	encodedBody := string(body)
	if isBase64 {
		encodedBody = base64.StdEncoding.EncodeToString(body)
	}

	host := c.Request.Host
	apiID := host
	if i := strings.IndexByte(host, '.'); i > 0 {
		apiID = host[:i]
	}

	now := time.Now()
	return &events.APIGatewayV2HTTPRequest{
		Version:               "2.0",
		RouteKey:              "$default",
		RawPath:               path,
		RawQueryString:        c.Request.URL.RawQuery,
		Cookies:               cookies,
		Headers:               headers,
		QueryStringParameters: query,
		PathParameters:        pathParams,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			RouteKey:   "$default",
			AccountID:  "anonymous",
			Stage:      "$default",
			RequestID:  uuid.NewString(),
			APIID:      apiID,
			DomainName: host,
			Time:       now.Format("02/Jan/2006:15:04:05 -0700"),
			TimeEpoch:  now.UnixMilli(),
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method:    c.Request.Method,
				Path:      path,
				Protocol:  c.Request.Proto,
				SourceIP:  c.ClientIP(),
				UserAgent: c.Request.UserAgent(),
			},
		},
		Body:            encodedBody,
		IsBase64Encoded: isBase64,
	}, nil
}

// writeProxyResponse renders a function payload as an HTTP response. A
// payload in the API Gateway V2 response shape is unwrapped; anything else
// is returned as a 200 with the payload as the body.
func (t *triggerAPI) writeProxyResponse(c *gin.Context, payload []byte) {
	var resp events.APIGatewayV2HTTPResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.StatusCode == 0 {
		c.Data(http.StatusOK, "application/json", payload)
		return
	}

	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	for k, vs := range resp.MultiValueHeaders {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	for _, cookie := range resp.Cookies {
		c.Writer.Header().Add("Set-Cookie", cookie)
	}

	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "invalid base64 response body"})
			return
		}
		body = decoded
	}

	contentType := resp.Headers["content-type"]
	if contentType == "" {
		contentType = resp.Headers["Content-Type"]
	}
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}

// writeError maps routing and lifecycle failures onto HTTP statuses.
func (t *triggerAPI) writeError(c *gin.Context, err error) {
	var routing *RoutingError
	var build *BuildError

	switch {
	case errors.As(err, &routing):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":     routing.Error(),
			"available": routing.Available,
		})
	case errors.As(err, &build):
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":  fmt.Sprintf("build failed for function %s", build.Function),
			"output": string(build.Output),
		})
	case errors.Is(err, ErrInvocationTimeout):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, ErrShuttingDown):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// isTextPayload reports whether a content type can travel in an event body
// without base64 encoding.
func isTextPayload(contentType string) bool {
	if contentType == "" {
		return true
	}
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	switch {
	case strings.Contains(contentType, "json"),
		strings.Contains(contentType, "xml"),
		strings.Contains(contentType, "javascript"),
		strings.Contains(contentType, "x-www-form-urlencoded"):
		return true
	}
	return false
}
