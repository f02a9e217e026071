// Package pool
// Author: momentics <momentics@gmail.com>
//
// Object recycling for the runtime. Schedulers keep terminated task
// descriptors in bounded free lists, one per stack class, and rebind them to
// new work instead of allocating fresh execution contexts.
package pool
