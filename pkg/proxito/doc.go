// Package proxito serves documentation sites. A Middleware maps the
// request host to a project (public subdomain, custom domain or the
// X-RTD-Slug header) and the Handler turns the path into redirects or an
// internal X-Accel-Redirect for the file in media storage.
package proxito
