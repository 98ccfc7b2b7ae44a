// Command send_audio streams a raw slin16 file to the ingest socket as
// header-framed datagrams, emulating one external media channel. Useful for
// exercising the media path without a PBX.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:10000", "ingest host:port")
	file := flag.String("file", "", "raw 16-bit PCM file to send")
	headerSize := flag.Int("header", 12, "bytes of synthetic header per datagram")
	frameBytes := flag.Int("frame", 640, "payload bytes per datagram (640 = 20ms at 16kHz)")
	interval := flag.Duration("interval", 20*time.Millisecond, "pacing between datagrams")
	flag.Parse()

	if *file == "" {
		fmt.Println("usage: send_audio -file=audio.raw [-addr=host:port]")
		os.Exit(1)
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Println("read error:", err)
		os.Exit(1)
	}
	conn, err := net.Dial("udp", *addr)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	header := make([]byte, *headerSize)
	var seq uint16
	for off := 0; off < len(data); off += *frameBytes {
		end := off + *frameBytes
		if end > len(data) {
			end = len(data)
		}
		if *headerSize >= 4 {
			// Sequence counter where an RTP header would carry one.
			binary.BigEndian.PutUint16(header[2:4], seq)
		}
		seq++
		if _, err := conn.Write(append(header, data[off:end]...)); err != nil {
			fmt.Println("send error:", err)
			os.Exit(1)
		}
		time.Sleep(*interval)
	}
	fmt.Printf("sent %d bytes to %s\n", len(data), *addr)
}
