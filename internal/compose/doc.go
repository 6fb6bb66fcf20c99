// Package compose is the admin conversation that collects a post (photos,
// text, confirmation) and hands it to the broadcast engine. It also serves
// the admin menu: recipient counts, the approval delay and /resume.
package compose
