// Package harvest defines the job, result and checkpoint types shared by the
// discovery generator, the work server and the worker clients, together with the
// small collaborator interfaces (clock, sleeper, blob store, publisher) they are
// wired with.
package harvest
