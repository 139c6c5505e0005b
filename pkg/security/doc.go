// Package security loads the client certificates steward presents to the
// resource provider and the cluster gateway.
//
// Certificates are configured as an ordered list. LoadClientCertificates
// keeps that order and drops entries that cannot be loaded or have expired;
// callers try the remaining ones in order until one is accepted.
package security
