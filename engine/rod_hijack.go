package engine

import (
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceTypes maps config names to Rod protocol resource types.
var resourceTypes = map[string]proto.NetworkResourceType{
	"image":      proto.NetworkResourceTypeImage,
	"stylesheet": proto.NetworkResourceTypeStylesheet,
	"font":       proto.NetworkResourceTypeFont,
	"media":      proto.NetworkResourceTypeMedia,
}

// trackerDomains are analytics hosts that never carry listing data.
var trackerDomains = map[string]struct{}{
	"google-analytics.com":  {},
	"googletagmanager.com":  {},
	"doubleclick.net":       {},
	"segment.io":            {},
	"segment.com":           {},
	"hotjar.com":            {},
	"mixpanel.com":          {},
	"intercom.io":           {},
	"fullstory.com":         {},
	"facebook.net":          {},
	"analytics.twitter.com": {},
}

// isTrackerDomain checks host and each of its parent domains.
func isTrackerDomain(host string) bool {
	host = strings.ToLower(host)
	for {
		if _, ok := trackerDomains[host]; ok {
			return true
		}
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			return false
		}
		host = host[idx+1:]
	}
}

// setupHijack installs a request interceptor that fails blocked resource
// types and tracker requests. It returns nil when nothing is configured for
// blocking; otherwise the caller must Stop the router.
func setupHijack(page *rod.Page, blockedNames []string) *rod.HijackRouter {
	blocked := make(map[proto.NetworkResourceType]struct{})
	for name := range blockedSet(blockedNames) {
		if rt, ok := resourceTypes[name]; ok {
			blocked[rt] = struct{}{}
		}
	}
	if len(blocked) == 0 {
		return nil
	}

	router := page.HijackRequests()
	_ = router.Add("*", "", func(ctx *rod.Hijack) {
		if _, shouldBlock := blocked[ctx.Request.Type()]; shouldBlock {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		if u, err := url.Parse(ctx.Request.URL().String()); err == nil && isTrackerDomain(u.Hostname()) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// router.Run blocks until Stop.
	go router.Run()

	return router
}
