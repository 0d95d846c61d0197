// Package session persists the two kinds of state the SSO flows need: the
// short-lived FlowSession between initiation and callback, and the
// authenticated SSOSession after login. Both ride on a byte-level Store with
// memory and Redis backends.
package session
