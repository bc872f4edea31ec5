// Package sso verifies bearer ID tokens from the corporate OIDC provider
// (Azure AD) and extracts the subject, email, and directory groups that
// token issuance maps to roles.
package sso
