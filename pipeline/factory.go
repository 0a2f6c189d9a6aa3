package pipeline

import "nvrcore/apierr"

// New dispatches construction of a Pipeline by protocol (spec §3's
// Protocol field on a Session). WEBRTC is accepted by the connect
// endpoint's contract but has no realizable graph in this engine, so
// construction fails with PIPELINE_CONSTRUCT (spec §7).
func New(protocol Protocol, sourceURL string) (*Pipeline, error) {
	switch protocol {
	case ProtocolRTSP:
		return NewRTSPPipeline(sourceURL), nil
	case ProtocolWebRTC:
		return nil, apierr.New(apierr.PipelineConstruct, "webrtc sources are not supported by this pipeline backend")
	default:
		return nil, apierr.New(apierr.InvalidParameter, "unknown protocol: "+string(protocol))
	}
}
