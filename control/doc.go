// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging, metrics and debug introspection for vox.
//
// Provides:
//   - typed configuration loaded with viper, plus a store with reload listeners
//   - logrus setup with optional rotating file output
//   - Prometheus collectors for the UDP, DTLS and parser layers
//   - probe registration for state export
package control
