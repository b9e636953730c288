// Package ssh runs remote_script tasks over SSH. Scripts are uploaded with
// SFTP into a work directory, run with the configured interpreter and
// removed afterwards.
package ssh
