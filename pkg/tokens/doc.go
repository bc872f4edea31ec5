// Package tokens implements token templates and the JWT issuer. User tokens
// carry per-app roles and resolved permissions mapped from directory groups;
// app-to-app tokens are short-lived, non-refreshable, and gated on an
// explicit caller-to-target role grant.
package tokens
