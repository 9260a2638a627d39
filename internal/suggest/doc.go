// Package suggest implements the throttled suggestion scheduler.
//
// A Scheduler turns a noisy stream of text changes into at most one
// outstanding completion request, spaced at least Cooldown apart, always
// carrying the newest settled text. Intermediate values are coalesced away.
//
// All state is owned by the goroutine running Run. Timers and completion
// results re-enter that goroutine as events stamped with the time they
// happened, and every event from a previous enable generation is dropped.
//
// States and transitions:
//
//	state       event              action                                   next
//	---------   ----------------   --------------------------------------   ----------
//	Disabled    Enable             reset, ShowDefault                       Idle
//	any         Disable            stop timers, drop pending, Clear         Disabled
//	any         Text("")           stop debounce+wake, drop pending,        Idle/InFlight
//	                               ShowDefault
//	any         Text(t)            (re)arm debounce                         Debouncing*
//	Debouncing  DebounceFired      attempt(t)                               see attempt
//	Cooldown    WakeFired          attempt(pending)                         see attempt
//	InFlight    Completed          ShowResult/ShowError; if pending,        Cooldown/Idle
//	                               arm wake at lastDispatch+Cooldown
//
//	attempt(t): in flight          -> pending=t                             InFlight
//	            now < next slot    -> pending=t, arm wake if unarmed        Cooldown
//	            otherwise          -> dispatch, ShowLoading                 InFlight
//
// (*) InFlight and Cooldown take precedence when reporting State.
//
// There is exactly one wake timer: the "next eligible dispatch" time. Both the
// cooldown path and the completion path arm that same timer, so a pending
// text can never be dispatched twice.
package suggest
