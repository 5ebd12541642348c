package message

// message builds RFC 5322 email messages that are ready to hand to an SMTP
// session. It validates mailbox addresses up front, so a Message that exists
// is always transmittable, and it knows nothing about how the bytes reach a
// relay.
