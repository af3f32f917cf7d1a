// Package constant holds header names and literals shared by the HTTP
// surface and the logging middleware.
package constant
