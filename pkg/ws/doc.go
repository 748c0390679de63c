/*
Package ws owns the server side of dashboard websockets. The Hub upgrades
connections, registers them in the store so the broadcaster can find
them, answers client pings, and implements broadcast.Transport for
outbound sends.
*/
package ws
